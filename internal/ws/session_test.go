package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"carscanada/internal/events"
	"carscanada/internal/models"
	"carscanada/internal/ratelimit"
	"carscanada/internal/service"
	"carscanada/internal/store/memory"
)

const (
	buyer    uint = 100
	seller   uint = 200
	outsider uint = 999
)

type tokenVerifier struct{}

func (tokenVerifier) Verify(_ context.Context, token string) (uint, error) {
	var id uint
	if _, err := fmt.Sscanf(token, "user-%d", &id); err != nil || id == 0 {
		return 0, errors.New("bad token")
	}
	return id, nil
}

type countingNotifier struct{ got []service.OfflineMessage }

func (n *countingNotifier) NotifyOffline(_ context.Context, m service.OfflineMessage) error {
	n.got = append(n.got, m)
	return nil
}

type testEnv struct {
	hub      *Hub
	store    *memory.Store
	deps     Deps
	convs    *service.ConversationService
	notifier *countingNotifier
	conv     *models.Conversation
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	st := memory.New()
	hub := NewHub(50 * time.Millisecond)
	t.Cleanup(hub.Close)
	n := &countingNotifier{}
	listing := st.AddListing(seller, "2016 Jeep Wrangler")
	conv, _, err := st.FindOrCreateConversation(context.Background(), listing, buyer, seller)
	if err != nil {
		t.Fatalf("FindOrCreateConversation() error = %v", err)
	}
	return &testEnv{
		hub:   hub,
		store: st,
		deps: Deps{
			Verifier: tokenVerifier{},
			Gateway:  st,
			Messages: service.NewMessageService(st, hub, ratelimit.NewWindow(10, time.Minute), n),
		},
		convs:    service.NewConversationService(st, hub),
		notifier: n,
		conv:     conv,
	}
}

func (e *testEnv) connect(t *testing.T, userID uint) *Session {
	t.Helper()
	s := NewSession(e.hub, e.deps, NewClient())
	ctx := context.Background()
	if err := s.Authenticate(ctx, fmt.Sprintf("user-%d", userID)); err != nil {
		t.Fatalf("Authenticate() error = %v", err)
	}
	if err := s.Activate(ctx); err != nil {
		t.Fatalf("Activate() error = %v", err)
	}
	return s
}

func decode(t *testing.T, frame []byte) events.Envelope {
	t.Helper()
	var env events.Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		t.Fatalf("unmarshal frame %s: %v", frame, err)
	}
	return env
}

// drain returns every frame queued for the session without blocking.
func drain(t *testing.T, s *Session) []events.Envelope {
	t.Helper()
	var out []events.Envelope
	for {
		select {
		case frame, ok := <-s.client.send:
			if !ok {
				return out
			}
			out = append(out, decode(t, frame))
		default:
			return out
		}
	}
}

// await blocks until the session receives event, skipping anything else.
func await(t *testing.T, s *Session, event string) events.Envelope {
	t.Helper()
	timeout := time.After(time.Second)
	for {
		select {
		case frame, ok := <-s.client.send:
			if !ok {
				t.Fatalf("send channel closed while waiting for %s", event)
			}
			if env := decode(t, frame); env.Event == event {
				return env
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s", event)
		}
	}
}

func filter(envs []events.Envelope, event string) []events.Envelope {
	var out []events.Envelope
	for _, env := range envs {
		if env.Event == event {
			out = append(out, env)
		}
	}
	return out
}

func payload[T any](t *testing.T, env events.Envelope) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(env.Data, &v); err != nil {
		t.Fatalf("unmarshal %s data: %v", env.Event, err)
	}
	return v
}

func TestSession_AuthenticationFailure(t *testing.T) {
	e := newTestEnv(t)
	s := NewSession(e.hub, e.deps, NewClient())

	err := s.Authenticate(context.Background(), "expired")
	if !errors.Is(err, service.ErrAuthentication) {
		t.Fatalf("Authenticate() error = %v, want ErrAuthentication", err)
	}
	if s.State() != StateDisconnected {
		t.Errorf("State() = %v, want %v", s.State(), StateDisconnected)
	}
	if err := s.Activate(context.Background()); err == nil {
		t.Error("Activate() after failed auth succeeded")
	}
	if e.hub.presence.count() != 0 {
		t.Errorf("presence entries = %d, want 0", e.hub.presence.count())
	}
}

func TestSession_ActivateSnapshot(t *testing.T) {
	e := newTestEnv(t)
	_ = e.store.CreateMessage(context.Background(), &models.Message{ConversationID: e.conv.ID, SenderID: seller, Content: "Yes it is"})
	sellerSess := e.connect(t, seller)
	drain(t, sellerSess)

	buyerSess := e.connect(t, buyer)
	if buyerSess.State() != StateActive {
		t.Fatalf("State() = %v, want %v", buyerSess.State(), StateActive)
	}
	got := drain(t, buyerSess)
	if len(got) < 2 || got[0].Event != events.InitialData || got[1].Event != events.UnreadCount {
		t.Fatalf("first events = %v, want initial_data then unread_count", got)
	}
	initial := payload[events.InitialDataPayload](t, got[0])
	if len(initial.Conversations) != 1 || initial.Conversations[0] != e.conv.ID {
		t.Errorf("initial_data conversations = %v, want [%d]", initial.Conversations, e.conv.ID)
	}
	if len(initial.OnlineUsers) != 2 {
		t.Errorf("initial_data onlineUsers = %v, want buyer and seller", initial.OnlineUsers)
	}
	if c := payload[events.UnreadCountPayload](t, got[1]).Count; c != 1 {
		t.Errorf("unread_count = %d, want 1", c)
	}
	if !e.hub.rooms.IsMember(buyerSess.Handle(), e.conv.ID) {
		t.Error("buyer connection was not auto-joined")
	}

	online := filter(drain(t, sellerSess), events.UserOnline)
	if len(online) != 1 || payload[events.UserPayload](t, online[0]).UserID != buyer {
		t.Errorf("seller user_online events = %v, want one for buyer", online)
	}

	e.connect(t, buyer)
	if extra := filter(drain(t, sellerSess), events.UserOnline); len(extra) != 0 {
		t.Errorf("second buyer connection emitted %d user_online, want 0", len(extra))
	}
}

func TestSession_OfflineExactlyOnce(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	sellerSess := e.connect(t, seller)
	tab1 := e.connect(t, buyer)
	tab2 := e.connect(t, buyer)
	drain(t, sellerSess)

	tab1.Close(ctx)
	if !e.hub.IsOnline(buyer) {
		t.Error("IsOnline() with a remaining tab = false, want true")
	}
	if got := filter(drain(t, sellerSess), events.UserOffline); len(got) != 0 {
		t.Errorf("user_offline after first tab = %d, want 0", len(got))
	}

	tab2.Close(ctx)
	tab2.Close(ctx)
	if e.hub.IsOnline(buyer) {
		t.Error("IsOnline() after last tab = true, want false")
	}
	if got := filter(drain(t, sellerSess), events.UserOffline); len(got) != 1 {
		t.Errorf("user_offline after last tab = %d, want 1", len(got))
	}
	if tab2.State() != StateDisconnected {
		t.Errorf("State() = %v, want %v", tab2.State(), StateDisconnected)
	}
	if len(e.hub.rooms.Members(e.conv.ID)) != 1 {
		t.Errorf("room members = %v, want only seller", e.hub.rooms.Members(e.conv.ID))
	}
}

func TestSession_JoinRequiresParticipant(t *testing.T) {
	e := newTestEnv(t)
	s := e.connect(t, outsider)
	drain(t, s)

	s.Dispatch(context.Background(), events.JoinConversation{ConversationID: e.conv.ID})
	errs := filter(drain(t, s), events.Error)
	if len(errs) != 1 {
		t.Fatalf("error events = %d, want 1", len(errs))
	}
	if r := payload[events.ErrorPayload](t, errs[0]).Reason; r != "forbidden" {
		t.Errorf("error reason = %q, want forbidden", r)
	}
	if e.hub.rooms.IsMember(s.Handle(), e.conv.ID) {
		t.Error("outsider was added to the room")
	}

	s.Dispatch(context.Background(), events.JoinConversation{ConversationID: 4242})
	errs = filter(drain(t, s), events.Error)
	if len(errs) != 1 || payload[events.ErrorPayload](t, errs[0]).Reason != "not_found" {
		t.Errorf("join missing conversation errors = %v, want not_found", errs)
	}
}

func TestSession_LeaveAndRejoin(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	sellerSess := e.connect(t, seller)
	buyerSess := e.connect(t, buyer)
	drain(t, sellerSess)
	drain(t, buyerSess)

	buyerSess.Dispatch(ctx, events.LeaveConversation{ConversationID: e.conv.ID})
	buyerSess.Dispatch(ctx, events.LeaveConversation{ConversationID: e.conv.ID})
	if got := filter(drain(t, sellerSess), events.UserLeftConversation); len(got) != 1 {
		t.Errorf("user_left_conversation = %d, want 1", len(got))
	}
	if errs := filter(drain(t, buyerSess), events.Error); len(errs) != 0 {
		t.Errorf("duplicate leave produced errors: %v", errs)
	}
	if e.hub.userInRoom(buyer, e.conv.ID) {
		t.Error("userInRoom() after leave = true, want false")
	}

	buyerSess.Dispatch(ctx, events.JoinConversation{ConversationID: e.conv.ID})
	joined := filter(drain(t, buyerSess), events.JoinedConversation)
	if len(joined) != 1 || payload[events.ConversationPayload](t, joined[0]).ConversationID != e.conv.ID {
		t.Errorf("joined_conversation = %v, want one for %d", joined, e.conv.ID)
	}
	others := filter(drain(t, sellerSess), events.UserJoinedConversation)
	if len(others) != 1 || payload[events.MembershipPayload](t, others[0]).UserID != buyer {
		t.Errorf("user_joined_conversation = %v, want one for buyer", others)
	}
}

func TestSession_TypingAutoStops(t *testing.T) {
	e := newTestEnv(t)
	sellerSess := e.connect(t, seller)
	buyerSess := e.connect(t, buyer)
	drain(t, sellerSess)
	drain(t, buyerSess)

	buyerSess.Dispatch(context.Background(), events.Typing{ConversationID: e.conv.ID})
	typing := await(t, sellerSess, events.UserTyping)
	if p := payload[events.TypingPayload](t, typing); p.UserID != buyer || p.ConversationID != e.conv.ID {
		t.Errorf("user_typing = %+v, want buyer in %d", p, e.conv.ID)
	}
	stop := await(t, sellerSess, events.UserStopTyping)
	if p := payload[events.TypingPayload](t, stop); p.UserID != buyer {
		t.Errorf("user_stop_typing = %+v, want buyer", p)
	}
	if got := filter(drain(t, buyerSess), events.UserTyping); len(got) != 0 {
		t.Errorf("typist received its own user_typing %d times", len(got))
	}

	buyerSess.Dispatch(context.Background(), events.StopTyping{ConversationID: e.conv.ID})
	if got := filter(drain(t, sellerSess), events.UserStopTyping); len(got) != 0 {
		t.Errorf("stop_typing without indicator emitted %d events, want 0", len(got))
	}
}

func TestSession_TypingIgnoresOutsider(t *testing.T) {
	e := newTestEnv(t)
	sellerSess := e.connect(t, seller)
	s := e.connect(t, outsider)
	drain(t, sellerSess)
	drain(t, s)

	s.Dispatch(context.Background(), events.Typing{ConversationID: e.conv.ID})
	if got := drain(t, s); len(got) != 0 {
		t.Errorf("outsider received %v, want nothing", got)
	}
	if got := drain(t, sellerSess); len(got) != 0 {
		t.Errorf("seller received %v, want nothing", got)
	}
	if e.hub.typing.active(e.conv.ID, outsider) {
		t.Error("outsider typing indicator was recorded")
	}
}

func TestSession_DisconnectClearsTyping(t *testing.T) {
	e := newTestEnv(t)
	e.hub.typing.timeout = time.Minute
	sellerSess := e.connect(t, seller)
	buyerSess := e.connect(t, buyer)
	buyerSess.Dispatch(context.Background(), events.Typing{ConversationID: e.conv.ID})
	drain(t, sellerSess)

	buyerSess.Close(context.Background())
	got := drain(t, sellerSess)
	if len(got) != 2 || got[0].Event != events.UserStopTyping || got[1].Event != events.UserOffline {
		t.Errorf("events after disconnect = %v, want user_stop_typing then user_offline", got)
	}
	if e.hub.typing.active(e.conv.ID, buyer) {
		t.Error("typing indicator survived disconnect")
	}
}

func TestSession_SendAndMarkRead(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	sellerSess := e.connect(t, seller)
	buyerSess := e.connect(t, buyer)
	drain(t, sellerSess)
	drain(t, buyerSess)

	sellerSess.Dispatch(ctx, events.SendMessage{ConversationID: e.conv.ID, Content: "Still available"})
	sellerSess.Dispatch(ctx, events.SendMessage{ConversationID: e.conv.ID, Content: "Come see it"})
	got := drain(t, buyerSess)
	if n := len(filter(got, events.NewMessage)); n != 2 {
		t.Errorf("buyer new_message = %d, want 2", n)
	}
	if n := len(filter(got, events.MessageNotification)); n != 0 {
		t.Errorf("buyer viewing the room got %d message_notification, want 0", n)
	}

	buyerSess.Dispatch(ctx, events.MarkRead{ConversationID: e.conv.ID})
	buyerSess.Dispatch(ctx, events.MarkRead{ConversationID: e.conv.ID})
	reads := filter(drain(t, sellerSess), events.MessagesRead)
	if len(reads) != 2 {
		t.Fatalf("seller messages_read = %d, want 2", len(reads))
	}
	for i, want := range []int64{2, 0} {
		p := payload[events.MessagesReadPayload](t, reads[i])
		if p.ReadBy != buyer || p.Count != want {
			t.Errorf("messages_read #%d = %+v, want readBy %d count %d", i, p, buyer, want)
		}
	}
	unread := filter(drain(t, buyerSess), events.UnreadCount)
	if len(unread) == 0 || payload[events.UnreadCountPayload](t, unread[len(unread)-1]).Count != 0 {
		t.Errorf("buyer unread_count events = %v, want final count 0", unread)
	}
}

func TestSession_SendRateLimited(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	s := e.connect(t, buyer)
	drain(t, s)

	for i := 0; i < 11; i++ {
		s.Dispatch(ctx, events.SendMessage{ConversationID: e.conv.ID, Content: fmt.Sprintf("msg %d", i)})
	}
	got := drain(t, s)
	if n := len(filter(got, events.NewMessage)); n != 10 {
		t.Errorf("new_message = %d, want 10", n)
	}
	errs := filter(got, events.Error)
	if len(errs) != 1 || payload[events.ErrorPayload](t, errs[0]).Reason != "rate_limited" {
		t.Errorf("errors = %v, want one rate_limited", errs)
	}
	if msgs, _ := e.store.ListMessages(ctx, e.conv.ID, 50, 0); len(msgs) != 10 {
		t.Errorf("persisted = %d, want 10", len(msgs))
	}
}

func TestSession_OfflineRecipient(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	buyerSess := e.connect(t, buyer)
	drain(t, buyerSess)

	buyerSess.Dispatch(ctx, events.SendMessage{ConversationID: e.conv.ID, Content: "Hi, is this still available?"})
	if got := filter(drain(t, buyerSess), events.NewMessage); len(got) != 1 {
		t.Fatalf("sender new_message = %d, want 1", len(got))
	}
	if len(e.notifier.got) != 1 || e.notifier.got[0].RecipientID != seller {
		t.Fatalf("notifier calls = %+v, want one for seller", e.notifier.got)
	}

	sellerSess := e.connect(t, seller)
	got := drain(t, sellerSess)
	initial := payload[events.InitialDataPayload](t, got[0])
	if len(initial.Conversations) != 1 || initial.Conversations[0] != e.conv.ID {
		t.Errorf("initial_data conversations = %v, want [%d]", initial.Conversations, e.conv.ID)
	}
	if c := payload[events.UnreadCountPayload](t, got[1]).Count; c != 1 {
		t.Errorf("unread_count = %d, want 1", c)
	}
	msgs, err := e.deps.Messages.List(ctx, e.conv.ID, seller, 50, 0)
	if err != nil || len(msgs) != 1 || msgs[0].IsRead || msgs[0].Content != "Hi, is this still available?" {
		t.Errorf("List() = %+v, %v, want the unread message", msgs, err)
	}
}

func TestSession_CheckOnlineStatus(t *testing.T) {
	e := newTestEnv(t)
	sellerSess := e.connect(t, seller)
	buyerSess := e.connect(t, buyer)
	drain(t, sellerSess)
	drain(t, buyerSess)

	buyerSess.Dispatch(context.Background(), events.CheckOnlineStatus{UserIDs: []uint{seller, outsider}})
	got := filter(drain(t, buyerSess), events.OnlineStatusUpdate)
	if len(got) != 1 {
		t.Fatalf("online_status_update = %d, want 1", len(got))
	}
	statuses := payload[[]events.OnlineStatus](t, got[0])
	if len(statuses) != 2 || !statuses[0].IsOnline || statuses[1].IsOnline {
		t.Errorf("statuses = %+v, want seller online and outsider offline", statuses)
	}
	if leaked := drain(t, sellerSess); len(leaked) != 0 {
		t.Errorf("seller received %v, want nothing", leaked)
	}
}

func TestSession_ConversationDeleted(t *testing.T) {
	e := newTestEnv(t)
	sellerSess := e.connect(t, seller)
	buyerSess := e.connect(t, buyer)
	drain(t, sellerSess)
	drain(t, buyerSess)

	if err := e.convs.Delete(context.Background(), e.conv.ID, buyer); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	for _, s := range []*Session{sellerSess, buyerSess} {
		got := filter(drain(t, s), events.ConversationDeleted)
		if len(got) != 1 || payload[events.ConversationPayload](t, got[0]).ConversationID != e.conv.ID {
			t.Errorf("user %d conversation_deleted = %v, want one", s.UserID(), got)
		}
	}
	if members := e.hub.rooms.Members(e.conv.ID); len(members) != 0 {
		t.Errorf("room members after delete = %v, want none", members)
	}
}

func TestSession_StartConversationAttachesLiveConnections(t *testing.T) {
	e := newTestEnv(t)
	listing := e.store.AddListing(seller, "2012 Corolla")
	sellerSess := e.connect(t, seller)
	drain(t, sellerSess)

	conv, created, err := e.convs.Start(context.Background(), listing, buyer)
	if err != nil || !created {
		t.Fatalf("Start() = %v, %v", created, err)
	}
	got := filter(drain(t, sellerSess), events.NewConversation)
	if len(got) != 1 {
		t.Fatalf("new_conversation = %d, want 1", len(got))
	}
	if !e.hub.userInRoom(seller, conv.ID) {
		t.Error("seller connection was not attached to the new room")
	}
}

func TestSession_MalformedFrame(t *testing.T) {
	e := newTestEnv(t)
	s := e.connect(t, buyer)
	drain(t, s)

	s.HandleFrame(context.Background(), []byte(`{"event":"typing"}`))
	s.HandleFrame(context.Background(), []byte(`{"event":"fly","data":{}}`))
	errs := filter(drain(t, s), events.Error)
	if len(errs) != 2 {
		t.Fatalf("error events = %d, want 2", len(errs))
	}
	for _, env := range errs {
		p := payload[events.ErrorPayload](t, env)
		if p.Reason != "invalid" || !strings.Contains(p.Message, "invalid request") {
			t.Errorf("error = %+v, want invalid", p)
		}
	}
	if s.State() != StateActive {
		t.Errorf("State() after bad frame = %v, want %v", s.State(), StateActive)
	}
}

func TestSession_DispatchBeforeActive(t *testing.T) {
	e := newTestEnv(t)
	s := NewSession(e.hub, e.deps, NewClient())
	s.Dispatch(context.Background(), events.Typing{ConversationID: e.conv.ID})
	errs := filter(drain(t, s), events.Error)
	if len(errs) != 0 {
		t.Errorf("unregistered connection received %d events, want 0", len(errs))
	}
	if e.hub.typing.active(e.conv.ID, 0) {
		t.Error("typing recorded for an unauthenticated session")
	}
}

func TestSession_TypingRefreshEmitsOncePerCall(t *testing.T) {
	e := newTestEnv(t)
	e.hub.typing.timeout = 200 * time.Millisecond
	sellerSess := e.connect(t, seller)
	buyerSess := e.connect(t, buyer)
	drain(t, sellerSess)
	drain(t, buyerSess)
	ctx := context.Background()

	buyerSess.Dispatch(ctx, events.Typing{ConversationID: e.conv.ID})
	time.Sleep(100 * time.Millisecond)
	buyerSess.Dispatch(ctx, events.Typing{ConversationID: e.conv.ID})
	time.Sleep(150 * time.Millisecond)

	got := drain(t, sellerSess)
	if n := len(filter(got, events.UserTyping)); n != 2 {
		t.Errorf("user_typing = %d, want 2", n)
	}
	if n := len(filter(got, events.UserStopTyping)); n != 0 {
		t.Fatalf("user_stop_typing before the refreshed timeout = %d, want 0", n)
	}
	if !e.hub.typing.active(e.conv.ID, buyer) {
		t.Fatal("indicator expired despite refresh")
	}

	await(t, sellerSess, events.UserStopTyping)
	time.Sleep(250 * time.Millisecond)
	if n := len(filter(drain(t, sellerSess), events.UserStopTyping)); n != 0 {
		t.Errorf("extra user_stop_typing after expiry = %d, want 0", n)
	}
}

type listHookGateway struct {
	service.Gateway
	onList func()
}

func (g *listHookGateway) ListConversations(ctx context.Context, userID uint) ([]models.Conversation, error) {
	if g.onList != nil {
		g.onList()
	}
	return g.Gateway.ListConversations(ctx, userID)
}

func TestSession_ReloadDuringCloseStaysOnline(t *testing.T) {
	e := newTestEnv(t)
	sellerSess := e.connect(t, seller)
	old := e.connect(t, buyer)
	drain(t, sellerSess)
	drain(t, old)

	var reloaded *Session
	old.deps.Gateway = &listHookGateway{Gateway: e.store, onList: func() {
		reloaded = e.connect(t, buyer)
	}}
	old.Close(context.Background())

	if reloaded == nil {
		t.Fatal("reload hook did not run")
	}
	got := drain(t, sellerSess)
	if n := len(filter(got, events.UserOffline)); n != 0 {
		t.Errorf("user_offline = %d while the reloaded tab is connected, want 0", n)
	}
	if n := len(filter(got, events.UserOnline)); n != 1 {
		t.Errorf("user_online = %d, want 1", n)
	}
	if !e.hub.IsOnline(buyer) {
		t.Error("IsOnline(buyer) = false, want true")
	}
}

func TestSession_RoomsJoinedBeforePresence(t *testing.T) {
	e := newTestEnv(t)
	dir := newMemDirectory().node(e.hub.NodeID())
	var inRoomAtRegister bool
	dir.onAdd = func(userID uint) { inRoomAtRegister = e.hub.userInRoom(userID, e.conv.ID) }
	e.hub.SetDirectory(dir)

	s := e.connect(t, seller)
	drain(t, s)
	if !inRoomAtRegister {
		t.Error("user became online before joining their conversations")
	}
}
