package models

// AllModels returns all GORM models for auto-migration.
func AllModels() []any {
	return []any{
		&User{},
		&UserOrganization{},
		&Session{},
		&Token{},
		&Invitation{},
		&ConfirmationToken{},
		&Repository{},
		&File{},
		&Commit{},
		&LFSObjectHistory{},
		&StagingUpload{},
		&FallbackSource{},
		&UserExternalToken{},
		&DailyRepoStats{},
	}
}
