package network

import (
	"context"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const avatarChunkSize = 32 * 1024

// DuplexChecker answers whether a peer is reachable from this host.
type DuplexChecker interface {
	DuplexReady(uuid string) bool
}

// TransferHandler serves the transfer half of the Warp service.
type TransferHandler interface {
	ProcessTransferOpRequest(ctx context.Context, req *TransferOpRequest) error
	StartTransfer(info *OpInfo, sender ChunkSender) error
	CancelTransferOpRequest(ctx context.Context, info *OpInfo) error
	StopTransfer(ctx context.Context, info *StopInfo) error
}

// LocalServiceOptions configures what this host tells its peers.
type LocalServiceOptions struct {
	DisplayName string
	UserName    string
	Avatar      []byte
	Remotes     DuplexChecker
	Transfers   TransferHandler
	Logger      logrus.FieldLogger
}

// LocalService is this host's Warp server implementation.
type LocalService struct {
	options LocalServiceOptions
	logger  logrus.FieldLogger
}

var _ WarpServer = (*LocalService)(nil)

// NewLocalService creates the service answering peers' metadata and duplex queries.
func NewLocalService(options LocalServiceOptions) *LocalService {
	logger := options.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	options.Avatar = append([]byte(nil), options.Avatar...)
	return &LocalService{options: options, logger: logger}
}

func (s *LocalService) GetRemoteMachineInfo(_ context.Context, req *LookupName) (*RemoteMachineInfo, error) {
	return &RemoteMachineInfo{
		DisplayName: s.options.DisplayName,
		UserName:    s.options.UserName,
	}, nil
}

func (s *LocalService) GetRemoteMachineAvatar(_ *LookupName, sender AvatarSender) error {
	avatar := s.options.Avatar
	if len(avatar) == 0 {
		return status.Error(codes.NotFound, "no avatar")
	}
	for offset := 0; offset < len(avatar); offset += avatarChunkSize {
		end := min(offset+avatarChunkSize, len(avatar))
		if err := sender.Send(&RemoteMachineAvatar{AvatarChunk: avatar[offset:end]}); err != nil {
			return err
		}
	}
	return nil
}

func (s *LocalService) CheckDuplexConnection(_ context.Context, req *LookupName) (*HaveDuplex, error) {
	ready := s.options.Remotes != nil && s.options.Remotes.DuplexReady(req.ID)
	s.logger.WithFields(logrus.Fields{
		"uuid":   req.ID,
		"remote": req.ReadableName,
	}).Debugf("duplex check: %t", ready)
	return &HaveDuplex{Response: ready}, nil
}

func (s *LocalService) ProcessTransferOpRequest(ctx context.Context, req *TransferOpRequest) (*VoidType, error) {
	if s.options.Transfers == nil {
		return nil, status.Error(codes.Unimplemented, "transfers are not accepted")
	}
	if err := s.options.Transfers.ProcessTransferOpRequest(ctx, req); err != nil {
		return nil, err
	}
	return &VoidType{}, nil
}

func (s *LocalService) StartTransfer(info *OpInfo, sender ChunkSender) error {
	if s.options.Transfers == nil {
		return status.Error(codes.Unimplemented, "transfers are not served")
	}
	return s.options.Transfers.StartTransfer(info, sender)
}

func (s *LocalService) CancelTransferOpRequest(ctx context.Context, info *OpInfo) (*VoidType, error) {
	if s.options.Transfers == nil {
		return nil, status.Error(codes.Unimplemented, "transfers are not accepted")
	}
	if err := s.options.Transfers.CancelTransferOpRequest(ctx, info); err != nil {
		return nil, err
	}
	return &VoidType{}, nil
}

func (s *LocalService) StopTransfer(ctx context.Context, info *StopInfo) (*VoidType, error) {
	if s.options.Transfers == nil {
		return nil, status.Error(codes.Unimplemented, "transfers are not accepted")
	}
	if err := s.options.Transfers.StopTransfer(ctx, info); err != nil {
		return nil, err
	}
	return &VoidType{}, nil
}
