/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package calling

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var errNotStarted = errors.New("user agent not started")

// nameAddr is the From or To identity of one side of a dialog.
type nameAddr struct {
	DisplayName string
	Address     sip.Uri
	Params      sip.HeaderParams
}

// dialog is one SIP call leg of the softphone.
type dialog struct {
	id        string
	direction Direction
	invite    *sip.Request
	tx        sip.ClientTransaction
	media     *MediaEngine

	local        nameAddr
	remote       nameAddr
	remoteTarget sip.Uri
	cseq         uint32
	answered     bool

	// inbound only
	offered  chan decision
	gone     chan struct{}
	goneOnce sync.Once
}

type decision struct {
	accept bool
	result chan error
}

// SIPUserAgent is the agent's softphone. It registers over SIP-over-WebSocket
// and implements both Registrar and Phone.
type SIPUserAgent struct {
	config *SIPConfig
	media  *MediaConfig
	logger zerolog.Logger

	domain      string
	hostPort    string
	transport   string
	contactHost string

	mu       sync.Mutex
	ua       *sipgo.UserAgent
	client   *sipgo.Client
	server   *sipgo.Server
	dialogs  map[string]*dialog
	onSignal func(Signal)

	// registration dialog
	regCallID string
	regTag    string
	regCSeq   uint32
}

// NewSIPUserAgent creates a user agent for the account in config.
func NewSIPUserAgent(config *SIPConfig, media *MediaConfig, logger zerolog.Logger) (*SIPUserAgent, error) {
	if config == nil {
		return nil, errors.New("SIP configuration is required")
	}
	if config.Extension == "" {
		return nil, errors.New("SIP extension is required")
	}
	domain, hostPort, transport, err := domainFromServer(config.Server)
	if err != nil {
		return nil, err
	}
	if media == nil {
		media = DefaultMediaConfig()
	}

	return &SIPUserAgent{
		config:      config,
		media:       media,
		logger:      logger.With().Str("component", "sip").Str("extension", config.Extension).Logger(),
		domain:      domain,
		hostPort:    hostPort,
		transport:   transport,
		contactHost: newTag() + ".invalid",
		dialogs:     make(map[string]*dialog),
		regCallID:   uuid.NewString(),
		regTag:      newTag(),
	}, nil
}

// domainFromServer derives the SIP domain, the WebSocket host:port and the
// SIP transport from a ws:// or wss:// server URI.
func domainFromServer(server string) (domain, hostPort, transport string, err error) {
	u, err := url.Parse(server)
	if err != nil {
		return "", "", "", fmt.Errorf("invalid SIP server URI: %w", err)
	}

	port := u.Port()
	switch u.Scheme {
	case "ws":
		transport = "WS"
		if port == "" {
			port = "80"
		}
	case "wss":
		transport = "WSS"
		if port == "" {
			port = "443"
		}
	default:
		return "", "", "", fmt.Errorf("unsupported SIP server scheme %q", u.Scheme)
	}

	domain = u.Hostname()
	if domain == "" {
		return "", "", "", fmt.Errorf("SIP server URI %q has no host", server)
	}
	return domain, net.JoinHostPort(domain, port), transport, nil
}

// Domain returns the SIP domain of the account.
func (u *SIPUserAgent) Domain() string {
	return u.domain
}

// Start creates the sipgo user agent and installs the request handlers.
func (u *SIPUserAgent) Start(ctx context.Context) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.ua != nil {
		return nil
	}

	ua, err := sipgo.NewUA(sipgo.WithUserAgent(u.config.UserAgent))
	if err != nil {
		return fmt.Errorf("failed to create user agent: %w", err)
	}
	client, err := sipgo.NewClient(ua)
	if err != nil {
		_ = ua.Close()
		return fmt.Errorf("failed to create SIP client: %w", err)
	}
	server, err := sipgo.NewServer(ua)
	if err != nil {
		_ = ua.Close()
		return fmt.Errorf("failed to create SIP server: %w", err)
	}

	server.OnInvite(u.onInvite)
	server.OnBye(u.onBye)
	server.OnAck(u.onAck)

	u.ua, u.client, u.server = ua, client, server
	u.logger.Info().Str("server", u.hostPort).Str("transport", u.transport).Msg("user agent started")
	return nil
}

// Stop closes every dialog's media and the user agent.
func (u *SIPUserAgent) Stop() error {
	u.mu.Lock()
	ua := u.ua
	dialogs := u.dialogs
	u.ua, u.client, u.server = nil, nil, nil
	u.dialogs = make(map[string]*dialog)
	u.mu.Unlock()

	for _, d := range dialogs {
		d.close()
		_ = d.media.Close()
	}
	if ua == nil {
		return nil
	}
	return ua.Close()
}

// Register sends a REGISTER for the account and returns the granted lifetime.
func (u *SIPUserAgent) Register(ctx context.Context) (time.Duration, error) {
	return u.register(ctx, u.config.Expires)
}

// Unregister removes the binding with an Expires of zero.
func (u *SIPUserAgent) Unregister(ctx context.Context) error {
	_, err := u.register(ctx, 0)
	return err
}

func (u *SIPUserAgent) register(ctx context.Context, expires time.Duration) (time.Duration, error) {
	u.mu.Lock()
	if u.client == nil {
		u.mu.Unlock()
		return 0, errNotStarted
	}
	u.regCSeq++
	cseq := u.regCSeq
	u.mu.Unlock()

	aor := u.aor()
	req := sip.NewRequest(sip.REGISTER, sip.Uri{Host: u.domain})
	fromParams := sip.NewParams()
	fromParams.Add("tag", u.regTag)
	req.AppendHeader(&sip.FromHeader{DisplayName: u.config.DisplayName, Address: aor, Params: fromParams})
	req.AppendHeader(&sip.ToHeader{Address: aor, Params: sip.NewParams()})
	callID := sip.CallIDHeader(u.regCallID)
	req.AppendHeader(&callID)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: cseq, MethodName: sip.REGISTER})
	req.AppendHeader(u.contact())
	req.AppendHeader(sip.NewHeader("Expires", strconv.Itoa(int(expires/time.Second))))
	u.route(req)

	res, err := u.do(ctx, req)
	if err != nil {
		return 0, fmt.Errorf("REGISTER failed: %w", err)
	}
	if res.StatusCode == 401 || res.StatusCode == 407 {
		res, err = u.doDigest(ctx, req, res)
		if err != nil {
			return 0, fmt.Errorf("REGISTER authentication failed: %w", err)
		}
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return 0, fmt.Errorf("registrar rejected REGISTER: %d %s", res.StatusCode, res.Reason)
	}

	granted := expires
	if h := res.GetHeader("Expires"); h != nil {
		if secs, err := strconv.Atoi(strings.TrimSpace(h.Value())); err == nil {
			granted = time.Duration(secs) * time.Second
		}
	}
	return granted, nil
}

// Invite starts an outbound dialog with dialogID as its Call-ID.
func (u *SIPUserAgent) Invite(ctx context.Context, dialogID, target string) error {
	u.mu.Lock()
	client := u.client
	u.mu.Unlock()
	if client == nil {
		return errNotStarted
	}

	media, err := NewMediaEngine(u.media, u.logger)
	if err != nil {
		return err
	}
	if _, err := media.AddAudioTrack(); err != nil {
		_ = media.Close()
		return err
	}
	offer, err := media.CreateOffer()
	if err != nil {
		_ = media.Close()
		return err
	}

	recipient := u.uri(target)
	local := nameAddr{DisplayName: u.config.DisplayName, Address: u.aor(), Params: sip.NewParams()}
	local.Params.Add("tag", newTag())

	req := sip.NewRequest(sip.INVITE, recipient)
	req.AppendHeader(&sip.FromHeader{DisplayName: local.DisplayName, Address: local.Address, Params: local.Params})
	req.AppendHeader(&sip.ToHeader{Address: recipient, Params: sip.NewParams()})
	callID := sip.CallIDHeader(dialogID)
	req.AppendHeader(&callID)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: 1, MethodName: sip.INVITE})
	req.AppendHeader(u.contact())
	req.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	req.SetBody([]byte(offer))
	u.route(req)

	d := &dialog{
		id:           dialogID,
		direction:    DirectionOutbound,
		invite:       req,
		media:        media,
		local:        local,
		remoteTarget: recipient,
		cseq:         1,
		gone:         make(chan struct{}),
	}
	u.mu.Lock()
	u.dialogs[dialogID] = d
	u.mu.Unlock()

	tx, err := client.TransactionRequest(ctx, req)
	if err != nil {
		u.dropDialog(dialogID)
		return fmt.Errorf("failed to send INVITE: %w", err)
	}
	u.mu.Lock()
	d.tx = tx
	_, live := u.dialogs[dialogID]
	u.mu.Unlock()
	go u.followInvite(d, tx)

	if !live {
		// hung up while the INVITE was being sent
		if err := tx.Cancel(); err != nil {
			return fmt.Errorf("CANCEL failed: %w", err)
		}
		return ErrUnknownDialog
	}
	u.logger.Info().Str("dialog", dialogID).Str("target", target).Msg("INVITE sent")
	return nil
}

// followInvite turns the responses of an outbound INVITE into signals.
func (u *SIPUserAgent) followInvite(d *dialog, tx sip.ClientTransaction) {
	authenticated := false
	for {
		select {
		case res, ok := <-tx.Responses():
			if !ok || res == nil {
				tx.Terminate()
				return
			}
			code := int(res.StatusCode)
			switch {
			case code == 100:
				u.signal(Signal{Kind: SignalProgress, DialogID: d.id, Code: code})
			case code < 200:
				u.signal(Signal{Kind: SignalRinging, DialogID: d.id, Code: code})
			case code < 300:
				tx.Terminate()
				u.established(d, res)
				return
			case (code == 401 || code == 407) && !authenticated && u.config.Password != "":
				authenticated = true
				tx.Terminate()
				next, err := u.redoWithAuth(d, res)
				if err != nil {
					u.logger.Warn().Err(err).Str("dialog", d.id).Msg("INVITE authentication failed")
					u.dropDialog(d.id)
					u.signal(Signal{Kind: SignalRejected, DialogID: d.id, Code: code, Reason: ReasonRejected})
					return
				}
				tx = next
			default:
				tx.Terminate()
				u.logger.Info().Str("dialog", d.id).Int("code", code).Str("reason", res.Reason).Msg("INVITE rejected")
				u.dropDialog(d.id)
				u.signal(Signal{Kind: SignalRejected, DialogID: d.id, Code: code, Reason: ReasonRejected})
				return
			}
		case <-tx.Done():
			reason := ReasonRemoteHangup
			if err := tx.Err(); err != nil {
				u.logger.Warn().Err(err).Str("dialog", d.id).Msg("INVITE transaction ended")
				reason = ReasonTransportLost
			}
			u.dropDialog(d.id)
			u.signal(Signal{Kind: SignalTerminated, DialogID: d.id, Reason: reason})
			return
		}
	}
}

func (u *SIPUserAgent) redoWithAuth(d *dialog, res *sip.Response) (sip.ClientTransaction, error) {
	u.mu.Lock()
	client := u.client
	invite := d.invite.Clone()
	u.mu.Unlock()
	if client == nil {
		return nil, errNotStarted
	}

	tx, err := client.DoDigestAuth(context.Background(), invite, res, u.credentials())
	if err != nil {
		return nil, err
	}
	u.mu.Lock()
	d.invite = invite
	d.tx = tx
	d.cseq = invite.CSeq().SeqNo
	_, live := u.dialogs[d.id]
	u.mu.Unlock()
	if !live {
		_ = tx.Cancel()
		tx.Terminate()
		return nil, ErrUnknownDialog
	}
	return tx, nil
}

// established acknowledges a 2xx to our INVITE and applies the answer.
func (u *SIPUserAgent) established(d *dialog, res *sip.Response) {
	u.mu.Lock()
	client := u.client
	invite := d.invite
	d.answered = true
	if to := res.To(); to != nil {
		d.remote = nameAddr{DisplayName: to.DisplayName, Address: to.Address, Params: to.Params}
	}
	if contact := res.Contact(); contact != nil {
		d.remoteTarget = contact.Address
	}
	u.mu.Unlock()

	if client != nil {
		ack := sip.NewAckRequest(invite, res, nil)
		u.route(ack)
		if err := client.WriteRequest(ack); err != nil {
			u.logger.Warn().Err(err).Str("dialog", d.id).Msg("failed to send ACK")
		}
	}
	if err := d.media.SetRemoteAnswer(string(res.Body())); err != nil {
		u.logger.Warn().Err(err).Str("dialog", d.id).Msg("failed to apply SDP answer")
	}
	u.signal(Signal{Kind: SignalAnswered, DialogID: d.id, Code: int(res.StatusCode)})
}

// Accept answers an offered inbound dialog.
func (u *SIPUserAgent) Accept(ctx context.Context, dialogID string) error {
	return u.decide(ctx, dialogID, true)
}

// Decline rejects an offered inbound dialog with 486 Busy Here.
func (u *SIPUserAgent) Decline(ctx context.Context, dialogID string) error {
	return u.decide(ctx, dialogID, false)
}

func (u *SIPUserAgent) decide(ctx context.Context, dialogID string, accept bool) error {
	d := u.dialog(dialogID)
	if d == nil || d.direction != DirectionInbound {
		return ErrUnknownDialog
	}

	select {
	case <-d.gone:
		return ErrUnknownDialog
	default:
	}

	dec := decision{accept: accept, result: make(chan error, 1)}
	select {
	case d.offered <- dec:
	default:
		return fmt.Errorf("dialog %s already decided", dialogID)
	}

	select {
	case err := <-dec.result:
		return err
	case <-d.gone:
		// the result is sent before the dialog is dropped
		select {
		case err := <-dec.result:
			return err
		default:
			return ErrUnknownDialog
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Hangup cancels an unanswered outbound dialog, declines an unanswered
// inbound one and sends BYE on an established one.
func (u *SIPUserAgent) Hangup(ctx context.Context, dialogID string) error {
	d := u.dialog(dialogID)
	if d == nil {
		return ErrUnknownDialog
	}

	u.mu.Lock()
	answered := d.answered
	u.mu.Unlock()

	if !answered && d.direction == DirectionInbound {
		return u.Decline(ctx, dialogID)
	}

	u.dropDialog(dialogID)
	if !answered {
		u.mu.Lock()
		tx := d.tx
		u.mu.Unlock()
		// without a transaction Invite cancels once TransactionRequest returns
		if tx == nil {
			return nil
		}
		if err := tx.Cancel(); err != nil {
			return fmt.Errorf("CANCEL failed: %w", err)
		}
		return nil
	}

	bye := u.inDialogRequest(d, sip.BYE, nil)
	res, err := u.do(ctx, bye)
	if err != nil {
		return fmt.Errorf("BYE failed: %w", err)
	}
	if res.StatusCode >= 300 {
		u.logger.Warn().Int("code", int(res.StatusCode)).Str("dialog", dialogID).Msg("BYE answered with an error")
	}
	return nil
}

// SetHold sends a re-INVITE offering sendonly (hold) or sendrecv (resume).
func (u *SIPUserAgent) SetHold(ctx context.Context, dialogID string, held bool) error {
	d := u.dialog(dialogID)
	if d == nil {
		return ErrUnknownDialog
	}
	u.mu.Lock()
	answered := d.answered
	client := u.client
	u.mu.Unlock()
	if !answered {
		return ErrNoActiveCall
	}
	if client == nil {
		return errNotStarted
	}

	direction := directionSendRecv
	if held {
		direction = directionSendOnly
	}
	offer, err := withDirection(d.media.LocalDescription(), direction)
	if err != nil {
		return err
	}

	req := u.inDialogRequest(d, sip.INVITE, []byte(offer))
	tx, err := client.TransactionRequest(ctx, req)
	if err != nil {
		return fmt.Errorf("failed to send re-INVITE: %w", err)
	}
	defer tx.Terminate()

	res, err := waitFinal(ctx, tx)
	if err != nil {
		return fmt.Errorf("re-INVITE failed: %w", err)
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return fmt.Errorf("re-INVITE rejected: %d %s", res.StatusCode, res.Reason)
	}

	ack := sip.NewAckRequest(req, res, nil)
	u.route(ack)
	if err := client.WriteRequest(ack); err != nil {
		u.logger.Warn().Err(err).Str("dialog", dialogID).Msg("failed to send ACK")
	}
	return nil
}

// SetMute stops or resumes sending local audio on the dialog.
func (u *SIPUserAgent) SetMute(dialogID string, muted bool) error {
	d := u.dialog(dialogID)
	if d == nil {
		return ErrUnknownDialog
	}
	if muted {
		d.media.Mute()
	} else {
		d.media.Unmute()
	}
	return nil
}

// OnSignal sets the handler receiving signaling events.
func (u *SIPUserAgent) OnSignal(handler func(Signal)) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.onSignal = handler
}

// onInvite offers an inbound call and blocks until it is decided or the
// caller cancels, which keeps the server transaction alive.
func (u *SIPUserAgent) onInvite(req *sip.Request, tx sip.ServerTransaction) {
	id := req.CallID().Value()

	if existing := u.dialog(id); existing != nil {
		u.onReInvite(existing, req, tx)
		return
	}

	_ = tx.Respond(sip.NewResponseFromRequest(req, 100, "Trying", nil))

	media, err := NewMediaEngine(u.media, u.logger)
	if err != nil {
		u.logger.Error().Err(err).Msg("failed to create media engine")
		_ = tx.Respond(sip.NewResponseFromRequest(req, 500, "Server Internal Error", nil))
		return
	}
	if _, err := media.AddAudioTrack(); err == nil {
		err = media.SetRemoteOffer(string(req.Body()))
	}
	if err != nil {
		u.logger.Warn().Err(err).Str("dialog", id).Msg("unusable SDP offer")
		_ = media.Close()
		_ = tx.Respond(sip.NewResponseFromRequest(req, 488, "Not Acceptable Here", nil))
		return
	}

	d := &dialog{
		id:        id,
		direction: DirectionInbound,
		media:     media,
		offered:   make(chan decision, 1),
		gone:      make(chan struct{}),
	}
	if from := req.From(); from != nil {
		d.remote = nameAddr{DisplayName: from.DisplayName, Address: from.Address, Params: from.Params}
	}
	if contact := req.Contact(); contact != nil {
		d.remoteTarget = contact.Address
	}
	u.mu.Lock()
	u.dialogs[id] = d
	u.mu.Unlock()

	_ = tx.Respond(sip.NewResponseFromRequest(req, 180, "Ringing", nil))
	u.logger.Info().Str("dialog", id).Str("from", callerNumber(req)).Msg("incoming call")
	u.signal(Signal{Kind: SignalIncoming, DialogID: id, RemoteNumber: callerNumber(req)})

	select {
	case dec := <-d.offered:
		if !dec.accept {
			dec.result <- tx.Respond(sip.NewResponseFromRequest(req, 486, "Busy Here", nil))
			u.dropDialog(id)
			return
		}
		answer, err := media.CreateAnswer()
		if err != nil {
			_ = tx.Respond(sip.NewResponseFromRequest(req, 500, "Server Internal Error", nil))
			dec.result <- err
			u.dropDialog(id)
			return
		}
		res := sip.NewResponseFromRequest(req, 200, "OK", []byte(answer))
		res.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
		res.AppendHeader(u.contact())
		if err := tx.Respond(res); err != nil {
			dec.result <- fmt.Errorf("failed to send 200 OK: %w", err)
			u.dropDialog(id)
			return
		}
		u.mu.Lock()
		d.answered = true
		if to := res.To(); to != nil {
			d.local = nameAddr{DisplayName: to.DisplayName, Address: to.Address, Params: to.Params}
		}
		u.mu.Unlock()
		dec.result <- nil
		u.signal(Signal{Kind: SignalAnswered, DialogID: id, Code: 200})
	case <-d.gone:
		_ = tx.Respond(sip.NewResponseFromRequest(req, 487, "Request Terminated", nil))
	case <-tx.Done():
		u.dropDialog(id)
		u.signal(Signal{Kind: SignalTerminated, DialogID: id, Reason: ReasonCancelled})
	}
}

// onReInvite answers a PBX session refresh or hold with the current local SDP.
func (u *SIPUserAgent) onReInvite(d *dialog, req *sip.Request, tx sip.ServerTransaction) {
	u.mu.Lock()
	answered := d.answered
	u.mu.Unlock()
	if !answered {
		_ = tx.Respond(sip.NewResponseFromRequest(req, 491, "Request Pending", nil))
		return
	}
	res := sip.NewResponseFromRequest(req, 200, "OK", []byte(d.media.LocalDescription()))
	res.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	res.AppendHeader(u.contact())
	_ = tx.Respond(res)
}

func (u *SIPUserAgent) onBye(req *sip.Request, tx sip.ServerTransaction) {
	_ = tx.Respond(sip.NewResponseFromRequest(req, 200, "OK", nil))

	id := req.CallID().Value()
	if u.dropDialog(id) == nil {
		return
	}
	u.logger.Info().Str("dialog", id).Msg("remote hangup")
	u.signal(Signal{Kind: SignalTerminated, DialogID: id, Reason: ReasonRemoteHangup})
}

func (u *SIPUserAgent) onAck(req *sip.Request, _ sip.ServerTransaction) {
	u.logger.Debug().Str("dialog", req.CallID().Value()).Msg("ACK received")
}

// ---- helpers ----

func (u *SIPUserAgent) dialog(id string) *dialog {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.dialogs[id]
}

// dropDialog forgets the dialog and releases its media.
func (u *SIPUserAgent) dropDialog(id string) *dialog {
	u.mu.Lock()
	d := u.dialogs[id]
	delete(u.dialogs, id)
	u.mu.Unlock()
	if d == nil {
		return nil
	}
	d.close()
	if err := d.media.Close(); err != nil {
		u.logger.Debug().Err(err).Str("dialog", id).Msg("media close failed")
	}
	return d
}

func (d *dialog) close() {
	d.goneOnce.Do(func() { close(d.gone) })
}

func (u *SIPUserAgent) signal(sig Signal) {
	u.mu.Lock()
	handler := u.onSignal
	u.mu.Unlock()
	if handler != nil {
		handler(sig)
	}
}

// inDialogRequest builds a request inside an established dialog.
func (u *SIPUserAgent) inDialogRequest(d *dialog, method sip.RequestMethod, body []byte) *sip.Request {
	u.mu.Lock()
	d.cseq++
	cseq := d.cseq
	local, remote, target := d.local, d.remote, d.remoteTarget
	u.mu.Unlock()

	req := sip.NewRequest(method, target)
	req.AppendHeader(&sip.FromHeader{DisplayName: local.DisplayName, Address: local.Address, Params: local.Params})
	req.AppendHeader(&sip.ToHeader{DisplayName: remote.DisplayName, Address: remote.Address, Params: remote.Params})
	callID := sip.CallIDHeader(d.id)
	req.AppendHeader(&callID)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: cseq, MethodName: method})
	maxForwards := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxForwards)
	req.AppendHeader(u.contact())
	if body != nil {
		req.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
		req.SetBody(body)
	}
	u.route(req)
	return req
}

// route sends req over the WebSocket connection to the PBX.
func (u *SIPUserAgent) route(req *sip.Request) {
	req.SetTransport(u.transport)
	req.SetDestination(u.hostPort)
}

// do runs a client transaction to its final response.
func (u *SIPUserAgent) do(ctx context.Context, req *sip.Request) (*sip.Response, error) {
	u.mu.Lock()
	client := u.client
	u.mu.Unlock()
	if client == nil {
		return nil, errNotStarted
	}

	tx, err := client.TransactionRequest(ctx, req)
	if err != nil {
		return nil, err
	}
	defer tx.Terminate()
	return waitFinal(ctx, tx)
}

func (u *SIPUserAgent) doDigest(ctx context.Context, req *sip.Request, challenge *sip.Response) (*sip.Response, error) {
	if u.config.Password == "" {
		return nil, errors.New("registrar requires credentials but no SIP password is configured for this agent")
	}
	u.mu.Lock()
	client := u.client
	u.mu.Unlock()
	if client == nil {
		return nil, errNotStarted
	}

	tx, err := client.DoDigestAuth(ctx, req.Clone(), challenge, u.credentials())
	if err != nil {
		return nil, err
	}
	defer tx.Terminate()
	return waitFinal(ctx, tx)
}

func (u *SIPUserAgent) credentials() sipgo.DigestAuth {
	return sipgo.DigestAuth{
		Username: u.config.Extension,
		Password: u.config.Password,
	}
}

// waitFinal skips provisional responses and returns the final one.
func waitFinal(ctx context.Context, tx sip.ClientTransaction) (*sip.Response, error) {
	for {
		select {
		case res, ok := <-tx.Responses():
			if !ok || res == nil {
				return nil, errors.New("transaction closed without a final response")
			}
			if res.StatusCode < 200 {
				continue
			}
			return res, nil
		case <-tx.Done():
			if err := tx.Err(); err != nil {
				return nil, err
			}
			return nil, errors.New("transaction terminated")
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (u *SIPUserAgent) aor() sip.Uri {
	return sip.Uri{User: u.config.Extension, Host: u.domain}
}

func (u *SIPUserAgent) contact() *sip.ContactHeader {
	params := sip.NewParams()
	params.Add("transport", strings.ToLower(u.transport))
	return &sip.ContactHeader{
		DisplayName: u.config.DisplayName,
		Address:     sip.Uri{User: u.config.Extension, Host: u.contactHost, UriParams: params},
	}
}

// uri resolves a dialed number or user@host to a SIP URI in the account's domain.
func (u *SIPUserAgent) uri(target string) sip.Uri {
	target = strings.TrimPrefix(strings.TrimPrefix(target, "sip:"), "sips:")
	if user, host, ok := strings.Cut(target, "@"); ok {
		return sip.Uri{User: user, Host: host}
	}
	return sip.Uri{User: target, Host: u.domain}
}

func callerNumber(req *sip.Request) string {
	from := req.From()
	if from == nil {
		return ""
	}
	if from.Address.User != "" {
		return from.Address.User
	}
	return from.DisplayName
}

func newTag() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}
