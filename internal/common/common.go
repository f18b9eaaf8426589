package common

// Shared constants to enforce DRY and avoid magic strings/numbers.

// HTTP headers and content types
const (
	HeaderAPIKey    = "X-API-Key" // #nosec G101 - header name constant, not a credential
	HeaderUser      = "X-Auth-User"
	ContentTypeJSON = "application/json"
)

// API paths
const (
	PathHealthz      = "/healthz"
	PathJobs         = "/v1/jobs"
	PathRepositories = "/v1/repositories"
)

// Defaults and limits
const (
	DefaultMaxConcurrent       = 5
	DefaultTimeoutHours        = 24
	DefaultRetentionDays       = 30
	DefaultShutdownGraceSec    = 15
	DefaultReapIntervalSec     = 5
	DefaultRetentionSweepMin   = 10
	DefaultExecGraceSec        = 10
	DefaultOutputBufferBytes   = 4 * 1024 * 1024
	MinImpersonationUID        = 1000
	SQLiteBusyTimeoutMS        = 5000
)

// Git related constants
const (
	GitExecutable = "git"
	GitRemoteName = "origin"
)

// MIME types
const (
	MimeImagePNG  = "image/png"
	MimeImageJPEG = "image/jpeg"
	MimeImageJPG  = "image/jpg"
)

// Subdirectory and file names within the jobs/repositories roots.
const (
	FilesDirName      = "files"
	StagingDirName    = "staging"
	SourceDirName     = "source"
	JobRecordSuffix   = ".job.json"
	RepoRecordSuffix  = ".repo.json"
	QueryIndexDBName  = "index.sqlite"
)

// Semantic-index subservice names that must all report healthy (§4.5(c), §4.11).
const (
	CidxServiceQdrant   = "qdrant"
	CidxServiceEmbedder = "embedder"
	CidxServiceIndexer  = "indexer"
	CidxServiceProxy    = "proxy"
)

// ReservedPlaceholderToken is substituted with the space-joined list of all
// materialized files rather than a single file (§4.9).
const ReservedPlaceholderToken = "filename"
