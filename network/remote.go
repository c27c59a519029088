package network

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/sirupsen/logrus"

	appcrypto "lanwarp/crypto"
	"lanwarp/models"
)

var errDuplexPending = errors.New("network: peer has not confirmed duplex yet")

// CertificateStore persists peer certificates received during bootstrap.
type CertificateStore interface {
	SaveCertificate(peerUUID string, certPEM []byte) error
	Certificate(peerUUID string) ([]byte, error)
}

// LocalInfo describes this host to peers.
type LocalInfo struct {
	UUID        string
	DisplayName string
	UserName    string
	GroupCode   string
	Identity    *appcrypto.Identity
}

// RemoteSeed is what discovery knows about a peer before connecting.
type RemoteSeed struct {
	// ServiceName is the announced instance name; it doubles as the peer's uuid.
	ServiceName string
	Hostname    string
	Address     net.IP
	Port        int
	// AuthPort serves the boxed certificate. Zero means Port.
	AuthPort   int
	APIVersion string
}

// RemoteOptions carries everything a Remote needs besides its seed.
type RemoteOptions struct {
	Local      LocalInfo
	Store      CertificateStore
	Observer   Observer
	Dispatcher *Dispatcher
	Logger     logrus.FieldLogger
	Metrics    *Metrics

	BootstrapAttempts int
	BootstrapTimeout  time.Duration
	BootstrapInterval time.Duration

	DuplexAttempts    int
	DuplexInterval    time.Duration
	DuplexCallTimeout time.Duration

	DialTimeout time.Duration
	CallTimeout time.Duration
}

func (o RemoteOptions) withDefaults() RemoteOptions {
	if o.Logger == nil {
		o.Logger = logrus.StandardLogger()
	}
	if o.BootstrapAttempts <= 0 {
		o.BootstrapAttempts = DefaultBootstrapAttempts
	}
	if o.BootstrapTimeout <= 0 {
		o.BootstrapTimeout = DefaultBootstrapTimeout
	}
	if o.BootstrapInterval <= 0 {
		o.BootstrapInterval = DefaultBootstrapInterval
	}
	if o.DuplexAttempts <= 0 {
		o.DuplexAttempts = DefaultDuplexAttempts
	}
	if o.DuplexInterval <= 0 {
		o.DuplexInterval = DefaultDuplexInterval
	}
	if o.DuplexCallTimeout <= 0 {
		o.DuplexCallTimeout = DefaultDuplexCallTimeout
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = DefaultDialTimeout
	}
	if o.CallTimeout <= 0 {
		o.CallTimeout = DefaultCallTimeout
	}
	return o
}

func (o RemoteOptions) validate() error {
	if strings.TrimSpace(o.Local.UUID) == "" {
		return errors.New("local uuid is required")
	}
	if o.Local.GroupCode == "" {
		return errors.New("group code is required")
	}
	if o.Local.Identity == nil {
		return errors.New("local identity is required")
	}
	if o.Store == nil {
		return errors.New("certificate store is required")
	}
	return nil
}

// Remote is the connection state of one discovered peer.
type Remote struct {
	opts   RemoteOptions
	uuid   string
	logger logrus.FieldLogger

	// ownDispatcher is set when NewRemote created opts.Dispatcher itself.
	ownDispatcher bool

	mu          sync.RWMutex
	serviceName string
	hostname    string
	address     net.IP
	port        int
	authPort    int
	apiVersion  string
	displayName string
	userName    string
	avatar      image.Image
	status      models.RemoteStatus
	lastErr     error
	channel     *Channel
	updatedAt   time.Time

	// attempt identifies the connect attempt allowed to write status.
	attempt       uint64
	cancelAttempt context.CancelFunc

	transferMu sync.Mutex
	transfers  []Transfer
}

// NewRemote creates a disconnected remote for seed.
func NewRemote(seed RemoteSeed, options RemoteOptions) (*Remote, error) {
	opts := options.withDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if err := validateSeed(seed); err != nil {
		return nil, err
	}

	ownDispatcher := false
	if opts.Dispatcher == nil {
		opts.Dispatcher = NewDispatcher(DefaultMaxWorkers, opts.Logger)
		ownDispatcher = true
	}

	r := &Remote{
		opts:          opts,
		uuid:          seed.ServiceName,
		status:        models.RemoteDisconnected,
		ownDispatcher: ownDispatcher,
	}
	r.applySeed(seed)
	r.logger = opts.Logger.WithFields(logrus.Fields{
		"uuid":   r.uuid,
		"remote": r.hostname,
	})
	return r, nil
}

func validateSeed(seed RemoteSeed) error {
	if strings.TrimSpace(seed.ServiceName) == "" {
		return errors.New("seed service name is required")
	}
	if seed.Address == nil {
		return fmt.Errorf("seed %q has no address", seed.ServiceName)
	}
	if seed.Port <= 0 || seed.Port > 65535 {
		return fmt.Errorf("seed %q port %d out of range", seed.ServiceName, seed.Port)
	}
	if seed.AuthPort < 0 || seed.AuthPort > 65535 {
		return fmt.Errorf("seed %q auth port %d out of range", seed.ServiceName, seed.AuthPort)
	}
	return nil
}

func (r *Remote) applySeed(seed RemoteSeed) {
	r.serviceName = seed.ServiceName
	r.hostname = seed.Hostname
	if r.hostname == "" {
		r.hostname = seed.ServiceName
	}
	r.address = append(net.IP(nil), seed.Address...)
	r.port = seed.Port
	r.authPort = seed.AuthPort
	if r.authPort == 0 {
		r.authPort = seed.Port
	}
	r.apiVersion = seed.APIVersion
	if r.displayName == "" {
		r.displayName = r.hostname
	}
	r.updatedAt = time.Now()
}

// updateSeed refreshes addressing while no attempt or channel depends on it.
func (r *Remote) updateSeed(seed RemoteSeed) (bool, error) {
	if err := validateSeed(seed); err != nil {
		return false, err
	}
	r.mu.Lock()
	if r.status != models.RemoteDisconnected && r.status != models.RemoteError {
		r.mu.Unlock()
		return false, nil
	}
	authPort := seed.AuthPort
	if authPort == 0 {
		authPort = seed.Port
	}
	changed := !r.address.Equal(seed.Address) || r.port != seed.Port || r.authPort != authPort ||
		(seed.Hostname != "" && r.hostname != seed.Hostname)
	if changed {
		r.applySeed(seed)
	}
	r.mu.Unlock()

	if changed {
		r.notify()
	}
	return changed, nil
}

// UUID returns the peer's identifier.
func (r *Remote) UUID() string {
	return r.uuid
}

// Status returns the current lifecycle status.
func (r *Remote) Status() models.RemoteStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.status
}

// LastError returns the error that moved the remote to ERROR.
func (r *Remote) LastError() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastErr
}

// DisplayName returns the peer's display name, falling back to its hostname.
func (r *Remote) DisplayName() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.displayName
}

// Avatar returns the decoded avatar, or nil when none was fetched.
func (r *Remote) Avatar() image.Image {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.avatar
}

// Info returns a consistent snapshot for observers.
func (r *Remote) Info() models.RemoteInfo {
	transfers := r.transferCount()

	r.mu.RLock()
	defer r.mu.RUnlock()
	info := models.RemoteInfo{
		UUID:        r.uuid,
		ServiceName: r.serviceName,
		Address:     r.address.String(),
		Port:        r.port,
		AuthPort:    r.authPort,
		Hostname:    r.hostname,
		DisplayName: r.displayName,
		UserName:    r.userName,
		HasAvatar:   r.avatar != nil,
		Status:      r.status,
		Transfers:   transfers,
		UpdatedAt:   r.updatedAt,
	}
	if r.lastErr != nil {
		info.LastError = r.lastErr.Error()
	}
	return info
}

// connectedChannel returns the channel only once the remote is CONNECTED.
func (r *Remote) connectedChannel() *Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.status != models.RemoteConnected {
		return nil
	}
	return r.channel
}

func (r *Remote) grpcTarget() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return net.JoinHostPort(r.address.String(), strconv.Itoa(r.port))
}

func (r *Remote) authTarget() *net.UDPAddr {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return &net.UDPAddr{IP: append(net.IP(nil), r.address...), Port: r.authPort}
}

// canTransition reports whether the lifecycle graph allows from -> to.
func canTransition(from, to models.RemoteStatus) bool {
	switch from {
	case models.RemoteDisconnected:
		return to == models.RemoteConnecting
	case models.RemoteError:
		return to == models.RemoteConnecting || to == models.RemoteDisconnected
	case models.RemoteConnecting:
		return to == models.RemoteAwaitingDuplex || to == models.RemoteError || to == models.RemoteDisconnected
	case models.RemoteAwaitingDuplex:
		return to == models.RemoteConnected || to == models.RemoteError || to == models.RemoteDisconnected
	case models.RemoteConnected:
		return to == models.RemoteDisconnected
	default:
		return false
	}
}

// Connect starts a connect attempt in the background.
func (r *Remote) Connect() error {
	r.mu.Lock()
	switch r.status {
	case models.RemoteConnecting, models.RemoteAwaitingDuplex:
		r.mu.Unlock()
		return ErrConnectInProgress
	case models.RemoteConnected:
		r.mu.Unlock()
		return ErrAlreadyConnected
	}
	if !canTransition(r.status, models.RemoteConnecting) {
		from := r.status
		r.mu.Unlock()
		return fmt.Errorf("cannot connect from status %s", from)
	}

	r.attempt++
	attempt := r.attempt
	ctx, cancel := context.WithCancel(context.Background())
	r.cancelAttempt = cancel
	r.status = models.RemoteConnecting
	r.lastErr = nil
	r.updatedAt = time.Now()
	r.mu.Unlock()

	r.logger.Info("connecting")
	r.opts.Metrics.statusChange(models.RemoteConnecting)
	r.notify()

	if !r.opts.Dispatcher.Go(func(dispatcherCtx context.Context) {
		stop := context.AfterFunc(dispatcherCtx, cancel)
		defer stop()
		defer cancel()
		r.runAttempt(ctx, attempt)
	}) {
		cancel()
		r.fail(attempt, ErrDispatcherClosed)
	}
	return nil
}

// Disconnect aborts any attempt, closes the channel and settles on DISCONNECTED.
func (r *Remote) Disconnect() {
	r.mu.Lock()
	if r.status == models.RemoteDisconnected {
		r.mu.Unlock()
		return
	}
	r.attempt++
	cancel := r.cancelAttempt
	r.cancelAttempt = nil
	ch := r.channel
	r.channel = nil
	r.status = models.RemoteDisconnected
	r.updatedAt = time.Now()
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if ch != nil {
		_ = ch.Close()
	}
	r.logger.Info("disconnected")
	r.opts.Metrics.statusChange(models.RemoteDisconnected)
	r.notify()
}

// Close disconnects and releases the dispatcher NewRemote created, if any.
// A closed remote settles on ERROR when asked to connect again.
func (r *Remote) Close() {
	r.Disconnect()
	if r.ownDispatcher {
		r.opts.Dispatcher.Close()
	}
}

func (r *Remote) runAttempt(ctx context.Context, attempt uint64) {
	certPEM, err := r.receiveCertificate(ctx)
	if err != nil {
		r.fail(attempt, err)
		return
	}

	ch, err := OpenChannel(ctx, r.grpcTarget(), certPEM, r.opts.Local.Identity, ChannelOptions{
		DialTimeout: r.opts.DialTimeout,
		CallTimeout: r.opts.CallTimeout,
		Dispatcher:  r.opts.Dispatcher,
		Logger:      r.logger,
	})
	if err != nil {
		r.fail(attempt, err)
		return
	}
	if !r.advance(attempt, models.RemoteAwaitingDuplex, ch) {
		_ = ch.Close()
		return
	}

	if err := r.waitForDuplex(ctx, ch); err != nil {
		r.fail(attempt, err)
		return
	}

	r.fetchMetadata(ctx, attempt, ch)
	if r.advance(attempt, models.RemoteConnected, nil) {
		r.opts.Metrics.connectResult("connected")
	}
}

// receiveCertificate runs the bootstrap exchange and stores the result once.
func (r *Remote) receiveCertificate(ctx context.Context) ([]byte, error) {
	certPEM, err := ReceiveCertificate(ctx, r.authTarget(), BootstrapOptions{
		GroupCode: r.opts.Local.GroupCode,
		Attempts:  r.opts.BootstrapAttempts,
		Timeout:   r.opts.BootstrapTimeout,
		Interval:  r.opts.BootstrapInterval,
		Logger:    r.logger,
		Metrics:   r.opts.Metrics,
	})
	if err != nil {
		return nil, err
	}
	if err := r.opts.Store.SaveCertificate(r.uuid, certPEM); err != nil {
		return nil, fmt.Errorf("%w: save certificate: %w", ErrCertificateUnavailable, err)
	}
	return certPEM, nil
}

// waitForDuplex probes until the peer reports it can reach us too.
func (r *Remote) waitForDuplex(ctx context.Context, ch *Channel) error {
	req := &LookupName{
		ID:           r.opts.Local.UUID,
		ReadableName: r.opts.Local.DisplayName,
	}
	callTimeout := min(r.opts.DuplexCallTimeout, r.opts.DuplexInterval)
	attempt := 0
	var probeStarted time.Time
	probe := func() error {
		attempt++
		probeStarted = time.Now()
		r.opts.Metrics.duplexAttempt()
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}

		callCtx, cancel := context.WithTimeout(ctx, callTimeout)
		defer cancel()
		var reply HaveDuplex
		if err := ch.Call(callCtx, MethodCheckDuplexConnection, req, &reply); err != nil {
			r.logger.WithField("attempt", attempt).Debugf("duplex probe failed: %v", err)
			return err
		}
		if !reply.Response {
			r.logger.WithField("attempt", attempt).Debug("duplex not ready")
			return errDuplexPending
		}
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(&pacedBackOff{
			interval: r.opts.DuplexInterval,
			since:    func() time.Duration { return time.Since(probeStarted) },
		}, uint64(r.opts.DuplexAttempts-1)),
		ctx,
	)
	if err := backoff.Retry(probe, policy); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("%w after %d attempts: %w", ErrDuplexTimeout, attempt, err)
	}
	return nil
}

// pacedBackOff starts probes one interval apart, counting the time the
// previous probe spent in flight.
type pacedBackOff struct {
	interval time.Duration
	since    func() time.Duration
}

func (b *pacedBackOff) NextBackOff() time.Duration {
	return max(b.interval-b.since(), 0)
}

func (b *pacedBackOff) Reset() {}

// fetchMetadata fills in names and avatar. Failures keep the previous values.
func (r *Remote) fetchMetadata(ctx context.Context, attempt uint64, ch *Channel) {
	lookup := &LookupName{
		ID:           r.opts.Local.UUID,
		ReadableName: r.opts.Local.DisplayName,
	}

	callCtx, cancel := context.WithTimeout(ctx, r.opts.CallTimeout)
	var info RemoteMachineInfo
	err := ch.Call(callCtx, MethodGetRemoteMachineInfo, lookup, &info)
	cancel()
	if err != nil {
		r.logger.Warnf("%v: machine info: %v", ErrMetadataFetchFailed, err)
	} else {
		r.mu.Lock()
		if r.attempt == attempt {
			if info.DisplayName != "" {
				r.displayName = info.DisplayName
			}
			r.userName = info.UserName
		}
		r.mu.Unlock()
	}

	avatar, err := r.fetchAvatar(ctx, ch, lookup)
	if err != nil {
		r.logger.Warnf("%v: avatar: %v", ErrMetadataFetchFailed, err)
		return
	}
	if avatar == nil {
		return
	}
	r.mu.Lock()
	if r.attempt == attempt {
		r.avatar = avatar
	}
	r.mu.Unlock()
}

func (r *Remote) fetchAvatar(ctx context.Context, ch *Channel, lookup *LookupName) (image.Image, error) {
	callCtx, cancel := context.WithTimeout(ctx, r.opts.CallTimeout)
	defer cancel()

	stream, err := ch.Stream(callCtx, MethodGetRemoteMachineAvatar, lookup)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	for {
		var piece RemoteMachineAvatar
		err := stream.RecvMsg(&piece)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		buf.Write(piece.AvatarChunk)
	}
	if buf.Len() == 0 {
		return nil, nil
	}

	img, _, err := image.Decode(&buf)
	if err != nil {
		return nil, fmt.Errorf("decode avatar: %w", err)
	}
	return img, nil
}

// advance moves a live attempt forward. It returns false for stale attempts.
func (r *Remote) advance(attempt uint64, to models.RemoteStatus, ch *Channel) bool {
	r.mu.Lock()
	if r.attempt != attempt || !canTransition(r.status, to) {
		r.mu.Unlock()
		return false
	}
	r.status = to
	if ch != nil {
		r.channel = ch
	}
	if to == models.RemoteConnected {
		r.cancelAttempt = nil
	}
	r.updatedAt = time.Now()
	r.mu.Unlock()

	r.logger.Infof("status %s", to)
	r.opts.Metrics.statusChange(to)
	r.notify()
	return true
}

// fail settles a live attempt on ERROR and releases its channel.
func (r *Remote) fail(attempt uint64, err error) {
	r.mu.Lock()
	if r.attempt != attempt || !canTransition(r.status, models.RemoteError) {
		r.mu.Unlock()
		return
	}
	ch := r.channel
	r.channel = nil
	r.cancelAttempt = nil
	r.status = models.RemoteError
	r.lastErr = err
	r.updatedAt = time.Now()
	r.mu.Unlock()

	if ch != nil {
		_ = ch.Close()
	}
	r.logger.Errorf("connect failed: %v", err)
	r.opts.Metrics.connectResult("error")
	r.opts.Metrics.statusChange(models.RemoteError)
	r.notify()
}

func (r *Remote) notify() {
	if r.opts.Observer == nil {
		return
	}
	r.opts.Observer.RemoteChanged(r.Info())
}
