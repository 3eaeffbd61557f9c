package common

// AppName is used for the data directory, container labels and log attrs.
const AppName = "msgvault"

// MiB is one mebibyte.
const MiB int64 = 1 << 20

// DefaultMaxUploadSize mirrors the remote platform's per-file ceiling.
const DefaultMaxUploadSize = 2000 * MiB
