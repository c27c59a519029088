package models

// TransferStatus is the lifecycle state of one transfer.
type TransferStatus string

const (
	TransferWaitingPermission TransferStatus = "WAITING_PERMISSION"
	TransferDeclined          TransferStatus = "DECLINED"
	TransferTransferring      TransferStatus = "TRANSFERRING"
	TransferFinished          TransferStatus = "FINISHED"
	TransferStopped           TransferStatus = "STOPPED"
	TransferFailed            TransferStatus = "FAILED"
)

// Terminal reports whether no further chunks are expected for the status.
func (s TransferStatus) Terminal() bool {
	switch s {
	case TransferDeclined, TransferFinished, TransferStopped, TransferFailed:
		return true
	default:
		return false
	}
}

// TransferOffer describes a prospective transfer before data flows.
type TransferOffer struct {
	TotalSize       int64    `json:"total_size"`
	FileCount       int64    `json:"file_count"`
	SingleName      string   `json:"single_name,omitempty"`
	SingleMime      string   `json:"single_mime,omitempty"`
	TopDirBasenames []string `json:"top_dir_basenames,omitempty"`
}

// FileChunk is one ordered piece of transfer data.
type FileChunk struct {
	RelativePath  string `json:"relative_path"`
	FileType      int32  `json:"file_type"`
	SymlinkTarget string `json:"symlink_target,omitempty"`
	Chunk         []byte `json:"chunk,omitempty"`
	FileMode      uint32 `json:"file_mode,omitempty"`
	Time          int64  `json:"time,omitempty"`
}
