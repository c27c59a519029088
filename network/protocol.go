package network

import (
	"errors"
	"time"

	"lanwarp/models"
)

const (
	// ServiceName is the RPC service every peer serves.
	ServiceName = "Warp"

	// CertificateRequest is the datagram asking a peer for its boxed certificate.
	CertificateRequest = "REQUEST"
	// MaxCertificateDatagram bounds a certificate reply; a reply filling it is truncated.
	MaxCertificateDatagram = 2000

	// DefaultBootstrapAttempts bounds certificate exchanges per connect attempt.
	DefaultBootstrapAttempts = 3
	// DefaultBootstrapTimeout bounds the wait for one certificate reply.
	DefaultBootstrapTimeout = time.Second
	// DefaultBootstrapInterval separates certificate exchanges.
	DefaultBootstrapInterval = time.Second

	// DefaultDuplexAttempts bounds duplex probes per connect attempt.
	DefaultDuplexAttempts = 10
	// DefaultDuplexInterval separates duplex probes.
	DefaultDuplexInterval = 3 * time.Second
	// DefaultDuplexCallTimeout bounds a single duplex probe. It never exceeds the interval.
	DefaultDuplexCallTimeout = DefaultDuplexInterval

	// DefaultDialTimeout bounds secure channel negotiation.
	DefaultDialTimeout = 5 * time.Second
	// DefaultCallTimeout bounds metadata and detached calls.
	DefaultCallTimeout = 30 * time.Second
	// DefaultMaxWorkers bounds concurrently running background tasks.
	DefaultMaxWorkers = 64
)

// Full method names of the Warp service.
const (
	MethodGetRemoteMachineInfo     = "/" + ServiceName + "/GetRemoteMachineInfo"
	MethodGetRemoteMachineAvatar   = "/" + ServiceName + "/GetRemoteMachineAvatar"
	MethodCheckDuplexConnection    = "/" + ServiceName + "/CheckDuplexConnection"
	MethodProcessTransferOpRequest = "/" + ServiceName + "/ProcessTransferOpRequest"
	MethodStartTransfer            = "/" + ServiceName + "/StartTransfer"
	MethodCancelTransferOpRequest  = "/" + ServiceName + "/CancelTransferOpRequest"
	MethodStopTransfer             = "/" + ServiceName + "/StopTransfer"
)

var (
	// ErrCertificateUnavailable indicates the peer's certificate could not be obtained.
	ErrCertificateUnavailable = errors.New("network: certificate unavailable")
	// ErrAuthenticationFailed indicates the secure channel could not be established.
	ErrAuthenticationFailed = errors.New("network: authentication failed")
	// ErrDuplexTimeout indicates the peer never confirmed it can reach us.
	ErrDuplexTimeout = errors.New("network: duplex timeout")
	// ErrStreamCancelled indicates a transfer stream ended by cancellation.
	ErrStreamCancelled = errors.New("network: transfer stream cancelled")
	// ErrStreamFailed indicates a transfer stream ended with an error.
	ErrStreamFailed = errors.New("network: transfer stream failed")
	// ErrMetadataFetchFailed indicates machine info or avatar could not be fetched.
	ErrMetadataFetchFailed = errors.New("network: metadata fetch failed")
	// ErrConnectInProgress indicates a connect attempt is already running.
	ErrConnectInProgress = errors.New("network: connect already in progress")
	// ErrAlreadyConnected indicates the remote is already connected.
	ErrAlreadyConnected = errors.New("network: remote already connected")
	// ErrNotConnected indicates there is no channel to send on.
	ErrNotConnected = errors.New("network: remote not connected")
	// ErrDuplicateTransfer indicates a transfer with the same start time is registered.
	ErrDuplicateTransfer = errors.New("network: duplicate transfer")
	// ErrRemoteNotFound indicates the manager has no remote with that uuid.
	ErrRemoteNotFound = errors.New("network: remote not found")
	// ErrDispatcherClosed indicates background work can no longer be scheduled.
	ErrDispatcherClosed = errors.New("network: dispatcher closed")
)

// LookupName identifies the asking host.
type LookupName struct {
	ID           string `json:"id"`
	ReadableName string `json:"readable_name"`
}

// RemoteMachineInfo carries a peer's human readable names.
type RemoteMachineInfo struct {
	DisplayName string `json:"display_name"`
	UserName    string `json:"user_name"`
}

// RemoteMachineAvatar is one piece of an encoded avatar image.
type RemoteMachineAvatar struct {
	AvatarChunk []byte `json:"avatar_chunk"`
}

// HaveDuplex answers a duplex probe.
type HaveDuplex struct {
	Response bool `json:"response"`
}

// VoidType is the empty reply.
type VoidType struct{}

// OpInfo identifies one transfer operation.
type OpInfo struct {
	Ident        string `json:"ident"`
	Timestamp    int64  `json:"timestamp"`
	ReadableName string `json:"readable_name"`
}

// TransferOpRequest offers a transfer to the receiving peer.
type TransferOpRequest struct {
	Info            OpInfo   `json:"info"`
	SenderName      string   `json:"sender_name"`
	Receiver        string   `json:"receiver"`
	Size            int64    `json:"size"`
	Count           int64    `json:"count"`
	NameIfSingle    string   `json:"name_if_single"`
	MimeIfSingle    string   `json:"mime_if_single"`
	TopDirBasenames []string `json:"top_dir_basenames"`
}

// StopInfo stops a running transfer.
type StopInfo struct {
	Info  OpInfo `json:"info"`
	Error bool   `json:"error"`
}

// FileChunk is one element of a transfer stream.
type FileChunk struct {
	RelativePath  string `json:"relative_path"`
	FileType      int32  `json:"file_type"`
	SymlinkTarget string `json:"symlink_target"`
	Chunk         []byte `json:"chunk"`
	FileMode      uint32 `json:"file_mode"`
	Time          int64  `json:"time"`
}

func (c *FileChunk) model() models.FileChunk {
	return models.FileChunk{
		RelativePath:  c.RelativePath,
		FileType:      c.FileType,
		SymlinkTarget: c.SymlinkTarget,
		Chunk:         c.Chunk,
		FileMode:      c.FileMode,
		Time:          c.Time,
	}
}

// NewFileChunk converts a model chunk to its wire form.
func NewFileChunk(chunk models.FileChunk) *FileChunk {
	return &FileChunk{
		RelativePath:  chunk.RelativePath,
		FileType:      chunk.FileType,
		SymlinkTarget: chunk.SymlinkTarget,
		Chunk:         chunk.Chunk,
		FileMode:      chunk.FileMode,
		Time:          chunk.Time,
	}
}
