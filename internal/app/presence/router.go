package presence

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"relaychat/internal/app/conversation"
	"relaychat/internal/app/identity"
	"relaychat/internal/app/spam"
	"relaychat/internal/pkg/errs"
	"relaychat/internal/pkg/logx"
	"relaychat/internal/pkg/randx"
)

const requestBuffer = 256

// Options tune the router. Zero values fall back to the defaults, except
// SpamMaxStrikes where zero is meaningful and a negative value selects the default.
type Options struct {
	SpamWindow     time.Duration
	SpamMaxStrikes int
	CommandPrefix  string

	// Now is the clock used by the spam guard.
	Now func() time.Time
}

func (o Options) withDefaults() Options {
	if o.SpamWindow <= 0 {
		o.SpamWindow = spam.DefaultWindow
	}
	if o.SpamMaxStrikes < 0 {
		o.SpamMaxStrikes = spam.DefaultMaxStrikes
	}
	if o.CommandPrefix == "" {
		o.CommandPrefix = "/"
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Router owns every connection record and processes all connection events on a
// single goroutine (Run). Identity reads from other goroutines go straight to the store.
type Router struct {
	identities *identity.Store
	history    *conversation.Log
	transport  Transport
	opts       Options

	// conns is only touched by the Run goroutine.
	conns map[string]*Connection

	requests chan request
	stopped  chan struct{}

	logger zerolog.Logger
}

// NewRouter wires the stores and the transport into a router. Call Run to start it.
func NewRouter(identities *identity.Store, history *conversation.Log, transport Transport, opts Options) *Router {
	return &Router{
		identities: identities,
		history:    history,
		transport:  transport,
		opts:       opts.withDefaults(),
		conns:      make(map[string]*Connection),
		requests:   make(chan request, requestBuffer),
		stopped:    make(chan struct{}),
		logger:     logx.Component("PresenceRouter"),
	}
}

// request is one unit of work for the router loop.
type request interface {
	apply(r *Router)
}

type connectResult struct {
	session Session
	err     *errs.CustomError

	// aborted is set when the caller gave up before the loop reached the request.
	aborted bool
}

type connectRequest struct {
	ctx       context.Context
	connID    string
	handshake Handshake
	reply     chan connectResult
}

func (q connectRequest) apply(r *Router) {
	if q.ctx.Err() != nil {
		r.logger.Debug().Str("conn_id", q.connID).Msg("Handshake abandoned before processing.")
		q.reply <- connectResult{aborted: true}
		return
	}

	session, err := r.handleConnect(q.connID, q.handshake)
	q.reply <- connectResult{session: session, err: err}
}

type inboundRequest struct {
	connID string
	event  Inbound
}

func (q inboundRequest) apply(r *Router) {
	r.handleInbound(q.connID, q.event)
}

type disconnectRequest struct {
	connID string
}

func (q disconnectRequest) apply(r *Router) {
	r.handleDisconnect(q.connID)
}

// Run processes requests until ctx is cancelled.
func (r *Router) Run(ctx context.Context) {
	defer close(r.stopped)

	r.logger.Info().Msg("Router loop started.")

	for {
		select {
		case req := <-r.requests:
			req.apply(r)

		case <-ctx.Done():
			r.logger.Info().
				Int("open_connections", len(r.conns)).
				Int("identities", r.identities.Len()).
				Msg("Router loop stopped.")
			return
		}
	}
}

func (r *Router) enqueue(ctx context.Context, req request) error {
	select {
	case r.requests <- req:
		return nil
	case <-r.stopped:
		return errs.NewError(errs.ErrServiceUnavailable)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Connect resolves or mints the identity for hs and authenticates connID.
// The transport must be able to deliver to connID before Connect is called, since the
// initial snapshot is emitted during authentication. Rejections return a *errs.CustomError
// with ErrInvalidCredentials or ErrUsernameTaken and leave no state behind.
// When ctx ends first, Connect returns ctx.Err() and any connection the loop may
// still authenticate for connID is torn down again.
func (r *Router) Connect(ctx context.Context, connID string, hs Handshake) (Session, error) {
	reply := make(chan connectResult, 1)

	if err := r.enqueue(ctx, connectRequest{ctx: ctx, connID: connID, handshake: hs, reply: reply}); err != nil {
		return Session{}, err
	}

	select {
	case res := <-reply:
		if res.aborted {
			return Session{}, ctx.Err()
		}
		if res.err != nil {
			return Session{}, res.err
		}
		return res.session, nil
	case <-r.stopped:
		return Session{}, errs.NewError(errs.ErrServiceUnavailable)
	case <-ctx.Done():
		// The request is already queued; the disconnect lands behind it.
		r.Disconnect(connID)
		return Session{}, ctx.Err()
	}
}

// Dispatch queues an inbound event of connID. Events of one connection are handled
// in the order they are dispatched.
func (r *Router) Dispatch(ctx context.Context, connID string, ev Inbound) error {
	return r.enqueue(ctx, inboundRequest{connID: connID, event: ev})
}

// Disconnect queues the removal of connID. Unknown IDs are ignored.
func (r *Router) Disconnect(connID string) {
	if err := r.enqueue(context.Background(), disconnectRequest{connID: connID}); err != nil {
		r.logger.Debug().Str("conn_id", connID).Err(err).Msg("Disconnect dropped, router stopped.")
	}
}

// Presence returns every known identity without message history.
func (r *Router) Presence() []identity.Identity {
	return r.identities.ListAll()
}

func (r *Router) handleConnect(connID string, hs Handshake) (Session, *errs.CustomError) {
	if _, exists := r.conns[connID]; exists {
		r.logger.Warn().Str("conn_id", connID).Msg("Duplicate connection ID rejected.")
		return Session{}, errs.NewError(errs.ErrInvalidParams)
	}

	if hs.SessionID != "" {
		if id, ok := r.identities.Resolve(hs.SessionID); ok {
			session := Session{SessionID: hs.SessionID, UserID: id.UserID, Username: id.Username}
			r.authenticate(connID, session)
			return session, nil
		}
	}

	if hs.Username == "" {
		r.logger.Info().Str("conn_id", connID).Msg("Handshake rejected: no session and no username.")
		return Session{}, errs.NewError(errs.ErrInvalidCredentials)
	}

	if r.identities.UsernameTaken(hs.Username) {
		r.logger.Info().Str("conn_id", connID).Str("username", hs.Username).Msg("Handshake rejected: username taken.")
		return Session{}, errs.NewError(errs.ErrUsernameTaken)
	}

	userID, err := randx.UserID()
	if err != nil {
		r.logger.Error().Err(err).Msg("Failed to mint user ID.")
		return Session{}, errs.NewError(errs.ErrUnknown)
	}

	session := Session{SessionID: randx.SessionID(), UserID: userID, Username: hs.Username}
	r.authenticate(connID, session)
	return session, nil
}

func (r *Router) authenticate(connID string, session Session) {
	conn := newConnection(connID, session, spam.NewGuard(r.opts.SpamWindow, r.opts.SpamMaxStrikes))
	conn.state = StateAuthenticated
	r.conns[connID] = conn

	r.identities.Upsert(session.SessionID, identity.Identity{
		UserID:    session.UserID,
		Username:  session.Username,
		Connected: true,
	})
	r.transport.Join(connID, session.UserID)

	r.transport.Emit(connID, SessionEvent(session.SessionID, session.UserID))
	r.transport.Emit(connID, MessagesEvent(r.history.AllBroadcast()))
	r.transport.Emit(connID, UsersEvent(r.usersFor(session.UserID)))

	r.announceArrival(conn)

	r.logger.Info().
		Str("conn_id", connID).
		Str("user_id", session.UserID).
		Int("group_size", r.transport.CountInGroup(session.UserID)).
		Msg("Connection authenticated.")
}

// usersFor lists every identity annotated with its private history with userID.
func (r *Router) usersFor(userID string) []UserEntry {
	byPeer := r.history.PartitionByPeer(userID)
	all := r.identities.ListAll()

	users := make([]UserEntry, 0, len(all))
	for _, id := range all {
		messages := byPeer[id.UserID]
		if messages == nil {
			messages = []conversation.PrivateMessage{}
		}
		users = append(users, UserEntry{
			UserID:    id.UserID,
			Username:  id.Username,
			Connected: id.Connected,
			Messages:  messages,
		})
	}
	return users
}

// announceArrival tells every other connected user about conn's user. Each recipient
// only receives the history it shares with the newcomer.
func (r *Router) announceArrival(conn *Connection) {
	for _, peer := range r.identities.ListAll() {
		if !peer.Connected || peer.UserID == conn.UserID {
			continue
		}

		r.transport.EmitToGroup(peer.UserID, UserConnectedEvent(UserEntry{
			UserID:    conn.UserID,
			Username:  conn.Username,
			Connected: true,
			Messages:  r.history.Between(conn.UserID, peer.UserID),
		}))
	}
}

func (r *Router) handleInbound(connID string, ev Inbound) {
	conn, ok := r.conns[connID]
	if !ok {
		r.logger.Warn().Str("conn_id", connID).Msg("Event from unknown connection dropped.")
		return
	}

	switch e := ev.(type) {
	case BroadcastText:
		r.handleBroadcast(conn, e)
	case PrivateText:
		r.handlePrivate(conn, e)
	case Typing:
		r.handleTyping(conn, e)
	default:
		r.logger.Warn().Str("conn_id", connID).Msgf("Unsupported inbound event %T dropped.", ev)
	}
}

// admit runs the spam guard and notifies the sender when throttled.
func (r *Router) admit(conn *Connection) bool {
	if conn.guard.Check(r.opts.Now()) == spam.Allow {
		return true
	}

	r.logger.Warn().
		Str("conn_id", conn.ID).
		Str("user_id", conn.UserID).
		Int("strikes", conn.guard.Strikes()).
		Msg("Message throttled.")
	r.transport.Emit(conn.ID, ErrorEvent(errs.NewError(errs.ErrMessageThrottled)))
	return false
}

func (r *Router) isCommand(content string) bool {
	return strings.HasPrefix(content, r.opts.CommandPrefix)
}

func (r *Router) handleBroadcast(conn *Connection, e BroadcastText) {
	if !r.admit(conn) {
		return
	}

	if r.isCommand(e.Content) {
		r.transport.EmitToAll(CommandEvent(CommandPayload{
			Content:  e.Content,
			From:     conn.UserID,
			Username: conn.Username,
		}))
		return
	}

	msg := conversation.BroadcastMessage{
		Content:  e.Content,
		From:     conn.UserID,
		Username: conn.Username,
	}
	r.transport.EmitToAll(MessageEvent(msg))
	r.history.AppendBroadcast(msg)
}

func (r *Router) handlePrivate(conn *Connection, e PrivateText) {
	if !r.admit(conn) {
		return
	}

	if r.isCommand(e.Content) {
		r.emitToPair(conn.UserID, e.To, CommandEvent(CommandPayload{
			Content:  e.Content,
			From:     conn.UserID,
			To:       e.To,
			Username: conn.Username,
		}))
		return
	}

	msg := conversation.PrivateMessage{
		Content:  e.Content,
		From:     conn.UserID,
		To:       e.To,
		Username: conn.Username,
	}
	r.emitToPair(conn.UserID, e.To, PrivateMessageEvent(msg))
	r.history.AppendPrivate(msg)
}

func (r *Router) handleTyping(conn *Connection, e Typing) {
	if e.To == "" {
		r.transport.EmitToOthers(conn.ID, TypingEvent(e.Stopped, conn.Username))
		return
	}

	r.emitToPair(conn.UserID, e.To, PrivateTypingEvent(e.Stopped, conn.Username, conn.UserID, e.To))
}

// emitToPair delivers ev to the recipient's group and the sender's own group.
func (r *Router) emitToPair(from, to string, ev Event) {
	r.transport.EmitToGroup(to, ev)
	if to != from {
		r.transport.EmitToGroup(from, ev)
	}
}

func (r *Router) handleDisconnect(connID string) {
	conn, ok := r.conns[connID]
	if !ok {
		return
	}

	delete(r.conns, connID)
	conn.state = StateDisconnected
	r.transport.Leave(connID)

	if remaining := r.transport.CountInGroup(conn.UserID); remaining > 0 {
		r.logger.Info().
			Str("conn_id", connID).
			Str("user_id", conn.UserID).
			Int("remaining", remaining).
			Msg("Connection closed; user still online.")
		return
	}

	r.identities.Upsert(conn.SessionID, identity.Identity{
		UserID:    conn.UserID,
		Username:  conn.Username,
		Connected: false,
	})
	r.transport.EmitToOthers(connID, UserDisconnectedEvent(conn.UserID))

	r.logger.Info().Str("conn_id", connID).Str("user_id", conn.UserID).Msg("User went offline.")
}
