package lakefs

// Repo describes a versioned repository.
type Repo struct {
	ID               string `json:"id"`
	StorageNamespace string `json:"storage_namespace"`
	DefaultBranch    string `json:"default_branch"`
	CreationDate     int64  `json:"creation_date"`
}

// Branch is a named ref and the commit it points at.
type Branch struct {
	ID       string `json:"id"`
	CommitID string `json:"commit_id"`
}

// ObjectStat describes one versioned object.
type ObjectStat struct {
	Path string `json:"path"`

	// PathType is "object" or "common_prefix" in listings with a delimiter.
	PathType string `json:"path_type"`

	// PhysicalAddress is the s3:// location of the object's bytes.
	PhysicalAddress string `json:"physical_address"`

	// Checksum is the store's content checksum (not necessarily sha256).
	Checksum string `json:"checksum"`

	SizeBytes int64 `json:"size_bytes"`
	Mtime     int64 `json:"mtime"`

	Metadata map[string]string `json:"metadata,omitempty"`
}

// CommitRecord is one commit in a branch's linear history.
type CommitRecord struct {
	ID           string            `json:"id"`
	Message      string            `json:"message"`
	Committer    string            `json:"committer"`
	CreationDate int64             `json:"creation_date"`
	Parents      []string          `json:"parents"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// Pagination is the cursor block every list response carries.
type Pagination struct {
	HasMore    bool   `json:"has_more"`
	NextOffset string `json:"next_offset"`
	Results    int    `json:"results"`
	MaxPerPage int    `json:"max_per_page"`
}

// ObjectPage is one page of an object listing.
type ObjectPage struct {
	Results    []ObjectStat `json:"results"`
	Pagination Pagination   `json:"pagination"`
}

// BranchPage is one page of a branch listing.
type BranchPage struct {
	Results    []Branch   `json:"results"`
	Pagination Pagination `json:"pagination"`
}

// CommitPage is one page of a commit log.
type CommitPage struct {
	Results    []CommitRecord `json:"results"`
	Pagination Pagination     `json:"pagination"`
}

// StageRequest links an existing physical object into a branch.
type StageRequest struct {
	PhysicalAddress string `json:"physical_address"`
	Checksum        string `json:"checksum"`
	SizeBytes       int64  `json:"size_bytes"`
	Mtime           int64  `json:"mtime,omitempty"`
}

// CommitRequest creates a commit from the branch's staged changes.
type CommitRequest struct {
	Message  string            `json:"message"`
	Metadata map[string]string `json:"metadata,omitempty"`
}
