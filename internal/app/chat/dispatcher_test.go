package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"chatrelay/internal/pkg/logx"
)

// connectAll registers transports and runs setup for each with the matching user id.
func connectAll(t *testing.T, d *Dispatcher, users map[*fakeTransport]string) map[*fakeTransport]*Session {
	t.Helper()
	sessions := make(map[*fakeTransport]*Session, len(users))
	for conn, userID := range users {
		s := d.Connect(conn, "")
		if userID != "" {
			d.Handle(context.Background(), s, rawFrame(t, EventSetup, `{"_id":"`+userID+`"}`))
		}
		sessions[conn] = s
	}
	return sessions
}

func messagePayload(sender string, users ...string) string {
	out := `{"_id":"m1","content":"hello","sender":{"_id":"` + sender + `"},"chat":{"_id":"room1","users":[`
	for i, u := range users {
		if i > 0 {
			out += ","
		}
		out += `{"_id":"` + u + `"}`
	}
	return out + `]}}`
}

func TestDispatcher_Setup_Replies_Connected(t *testing.T) {
	req := require.New(t)
	d := NewDispatcher(NewRegistry(), nil, false)
	conn := newFakeTransport("c1")

	// Given a fresh connection
	s := d.Connect(conn, "")
	req.Equal(StateConnected, s.State())

	// When it sends setup
	d.Handle(context.Background(), s, rawFrame(t, EventSetup, `{"_id":"u1","name":"Ada"}`))

	// Then it is identified, in its personal room, and got exactly one connected frame
	req.Equal(StateIdentified, s.State())
	req.Equal("u1", s.UserID())
	req.Equal([]EventName{EventConnected}, conn.Events())
	req.Empty(conn.Frames()[0].Data)
	req.ElementsMatch([]ConnID{conn.ID()}, d.Registry().MembersOf(PersonalRoom("u1")))
}

func TestDispatcher_Setup_Without_ID_Is_Dropped(t *testing.T) {
	req := require.New(t)
	d := NewDispatcher(NewRegistry(), nil, false)
	conn := newFakeTransport("c1")
	s := d.Connect(conn, "")

	d.Handle(context.Background(), s, rawFrame(t, EventSetup, `{"name":"Ada"}`))

	req.Equal(StateConnected, s.State())
	req.Empty(conn.Frames())
	req.Equal(0, d.Registry().Stats().Rooms)
}

func TestDispatcher_Setup_Twice_Replies_Twice(t *testing.T) {
	req := require.New(t)
	d := NewDispatcher(NewRegistry(), nil, false)
	conn := newFakeTransport("c1")
	s := d.Connect(conn, "")

	d.Handle(context.Background(), s, rawFrame(t, EventSetup, `{"_id":"u1"}`))
	d.Handle(context.Background(), s, rawFrame(t, EventSetup, `{"_id":"u1"}`))

	req.Equal([]EventName{EventConnected, EventConnected}, conn.Events())
	req.Len(d.Registry().MembersOf(PersonalRoom("u1")), 1)
}

func TestDispatcher_Typing_Reaches_Other_Members_Only(t *testing.T) {
	req := require.New(t)
	d := NewDispatcher(NewRegistry(), nil, false)
	a, b, c, outsider := newFakeTransport("A"), newFakeTransport("B"), newFakeTransport("C"), newFakeTransport("D")
	sessions := connectAll(t, d, map[*fakeTransport]string{a: "", b: "", c: "", outsider: ""})

	// Given A, B and C joined room1
	for _, conn := range []*fakeTransport{a, b, c} {
		d.Handle(context.Background(), sessions[conn], rawFrame(t, EventJoinChat, `"room1"`))
	}

	// When A starts and stops typing
	d.Handle(context.Background(), sessions[a], rawFrame(t, EventTyping, `"room1"`))
	d.Handle(context.Background(), sessions[a], rawFrame(t, EventStopTyping, `"room1"`))

	// Then B and C got both frames in order with the sender's payload, A and D nothing
	for _, conn := range []*fakeTransport{b, c} {
		req.Equal([]EventName{EventTyping, EventStopTyping}, conn.Events())
		req.JSONEq(`"room1"`, string(conn.Frames()[0].Data))
	}
	req.Empty(a.Frames())
	req.Empty(outsider.Frames())
}

func TestDispatcher_Typing_Without_Joining_Still_Broadcasts(t *testing.T) {
	req := require.New(t)
	d := NewDispatcher(NewRegistry(), nil, false)
	member, stranger := newFakeTransport("A"), newFakeTransport("B")
	sessions := connectAll(t, d, map[*fakeTransport]string{member: "", stranger: ""})

	// Given only A joined room1
	d.Handle(context.Background(), sessions[member], rawFrame(t, EventJoinChat, `"room1"`))

	// When B, who never joined, types in room1
	d.Handle(context.Background(), sessions[stranger], rawFrame(t, EventTyping, `"room1"`))

	// Then A still receives it
	req.Equal([]EventName{EventTyping}, member.Events())
}

func TestDispatcher_New_Message_Goes_To_Personal_Rooms(t *testing.T) {
	req := require.New(t)
	d := NewDispatcher(NewRegistry(), nil, false)
	sender, u2, u3, stranger := newFakeTransport("c1"), newFakeTransport("c2"), newFakeTransport("c3"), newFakeTransport("c4")
	sessions := connectAll(t, d, map[*fakeTransport]string{sender: "u1", u2: "u2", u3: "u3", stranger: "u4"})
	payload := messagePayload("u1", "u1", "u2", "u3")

	// When u1 announces a message for chat room1
	d.Handle(context.Background(), sessions[sender], rawFrame(t, EventNewMessage, payload))

	// Then u2 and u3 got "message received" with the identical payload
	for _, conn := range []*fakeTransport{u2, u3} {
		req.Equal([]EventName{EventConnected, EventMessageReceived}, conn.Events())
		req.JSONEq(payload, string(conn.Frames()[1].Data))
	}

	// And the sender and the stranger only got their connected reply
	req.Equal([]EventName{EventConnected}, sender.Events())
	req.Equal([]EventName{EventConnected}, stranger.Events())
}

func TestDispatcher_New_Message_Reaches_Every_Device_Of_A_Recipient(t *testing.T) {
	req := require.New(t)
	d := NewDispatcher(NewRegistry(), nil, false)
	sender, phone, laptop := newFakeTransport("c1"), newFakeTransport("c2"), newFakeTransport("c3")
	sessions := connectAll(t, d, map[*fakeTransport]string{sender: "u1", phone: "u2", laptop: "u2"})

	d.Handle(context.Background(), sessions[sender], rawFrame(t, EventNewMessage, messagePayload("u1", "u1", "u2", "u2")))

	// Duplicate chat users do not duplicate delivery
	req.Equal([]EventName{EventConnected, EventMessageReceived}, phone.Events())
	req.Equal([]EventName{EventConnected, EventMessageReceived}, laptop.Events())
}

func TestDispatcher_New_Message_Without_Users_Is_Dropped(t *testing.T) {
	req := require.New(t)
	d := NewDispatcher(NewRegistry(), nil, false)
	sender, other := newFakeTransport("c1"), newFakeTransport("c2")
	sessions := connectAll(t, d, map[*fakeTransport]string{sender: "u1", other: "u2"})

	d.Handle(context.Background(), sessions[sender], rawFrame(t, EventNewMessage, `{"sender":{"_id":"u1"},"chat":{"users":[]}}`))
	d.Handle(context.Background(), sessions[sender], rawFrame(t, EventNewMessage, `{"sender":{"_id":"u1"}}`))

	// Nothing was delivered and the sender connection is still usable
	req.Equal([]EventName{EventConnected}, other.Events())
	req.Equal(StateIdentified, sessions[sender].State())
}

func TestDispatcher_Unknown_And_Malformed_Events_Are_Ignored(t *testing.T) {
	req := require.New(t)
	d := NewDispatcher(NewRegistry(), nil, false)
	a, b := newFakeTransport("A"), newFakeTransport("B")
	sessions := connectAll(t, d, map[*fakeTransport]string{a: "", b: ""})
	d.Handle(context.Background(), sessions[b], rawFrame(t, EventJoinChat, `"room1"`))

	d.Handle(context.Background(), sessions[a], rawFrame(t, "leave chat", `"room1"`))
	d.Handle(context.Background(), sessions[a], rawFrame(t, EventTyping, `42`))
	d.Handle(context.Background(), sessions[a], rawFrame(t, EventJoinChat, `""`))

	req.Empty(a.Frames())
	req.Empty(b.Frames())
	req.Equal(StateConnected, sessions[a].State())
	req.Empty(d.Registry().RoomsOf(a.ID()))
}

func TestDispatcher_Send_Failure_Is_Isolated(t *testing.T) {
	req := require.New(t)
	d := NewDispatcher(NewRegistry(), nil, false)
	a, broken, panicking, healthy := newFakeTransport("A"), newFakeTransport("B"), newFakeTransport("C"), newFakeTransport("D")
	sessions := connectAll(t, d, map[*fakeTransport]string{a: "", broken: "", panicking: "", healthy: ""})
	for _, conn := range []*fakeTransport{a, broken, panicking, healthy} {
		d.Handle(context.Background(), sessions[conn], rawFrame(t, EventJoinChat, `"room1"`))
	}

	// Given one member fails every send and another panics
	broken.sendErr = errBroken
	panicking.panics = true

	// When A types
	d.Handle(context.Background(), sessions[a], rawFrame(t, EventTyping, `"room1"`))

	// Then the healthy member still gets the frame
	req.Equal([]EventName{EventTyping}, healthy.Events())
	req.Empty(a.Frames())
}

func TestDispatcher_Disconnect_Cleans_Up_Whatever_The_State(t *testing.T) {
	req := require.New(t)
	d := NewDispatcher(NewRegistry(), nil, false)
	anonymous, identified := newFakeTransport("A"), newFakeTransport("B")
	sessions := connectAll(t, d, map[*fakeTransport]string{anonymous: "", identified: "u1"})
	d.Handle(context.Background(), sessions[anonymous], rawFrame(t, EventJoinChat, `"room1"`))
	d.Handle(context.Background(), sessions[identified], rawFrame(t, EventJoinChat, `"room1"`))

	// When both disconnect, one of them twice
	d.Disconnect(sessions[anonymous])
	d.Disconnect(sessions[identified])
	d.Disconnect(sessions[identified])

	// Then nothing is left behind
	req.Equal(StateClosed, sessions[anonymous].State())
	req.Equal(StateClosed, sessions[identified].State())
	req.Equal(Stats{}, d.Registry().Stats())
}

func TestDispatcher_Closed_Session_Ignores_Events(t *testing.T) {
	req := require.New(t)
	d := NewDispatcher(NewRegistry(), nil, false)
	conn := newFakeTransport("c1")
	s := d.Connect(conn, "")
	d.Disconnect(s)

	d.Handle(context.Background(), s, rawFrame(t, EventSetup, `{"_id":"u1"}`))
	d.Handle(context.Background(), s, rawFrame(t, EventJoinChat, `"room1"`))

	req.Empty(conn.Frames())
	req.Equal(Stats{}, d.Registry().Stats())
}

func TestDispatcher_Enforced_Identity(t *testing.T) {
	req := require.New(t)
	d := NewDispatcher(NewRegistry(), nil, true)
	conn := newFakeTransport("c1")
	s := d.Connect(conn, "u1")

	// When the connection claims somebody else
	d.Handle(context.Background(), s, rawFrame(t, EventSetup, `{"_id":"u2"}`))

	// Then it gets an error frame and stays unidentified
	req.Equal([]EventName{EventError}, conn.Events())
	req.JSONEq(`{"code":3002,"message":"User does not match the signed-in identity."}`, string(conn.Frames()[0].Data))
	req.Equal(StateConnected, s.State())
	req.Empty(d.Registry().MembersOf(PersonalRoom("u2")))

	// When it claims its own identity
	d.Handle(context.Background(), s, rawFrame(t, EventSetup, `{"_id":"u1"}`))

	// Then setup succeeds
	req.Equal([]EventName{EventError, EventConnected}, conn.Events())
	req.Equal(StateIdentified, s.State())
}

func TestDispatcher_RelayMessage_From_Http(t *testing.T) {
	req := require.New(t)
	d := NewDispatcher(NewRegistry(), nil, false)
	own, recipient := newFakeTransport("c1"), newFakeTransport("c2")
	connectAll(t, d, map[*fakeTransport]string{own: "u1", recipient: "u2"})

	msg, customErr := DecodeMessage([]byte(messagePayload("u1", "u1", "u2", "u3")))
	req.Nil(customErr)

	delivered := d.RelayMessage(context.Background(), msg)

	// u3 has no live connection, so one frame was delivered
	req.Equal(1, delivered)
	req.Equal([]EventName{EventConnected, EventMessageReceived}, recipient.Events())
	req.Equal([]EventName{EventConnected}, own.Events())
}

func TestDispatcher_Bridge_Publish_And_Remote_Delivery(t *testing.T) {
	req := require.New(t)
	bridge := &fakeBridge{}
	d := NewDispatcher(NewRegistry(), bridge, false)
	a, b := newFakeTransport("A"), newFakeTransport("B")
	sessions := connectAll(t, d, map[*fakeTransport]string{a: "u1", b: "u2"})
	d.Handle(context.Background(), sessions[a], rawFrame(t, EventJoinChat, `"room1"`))
	d.Handle(context.Background(), sessions[b], rawFrame(t, EventJoinChat, `"room1"`))

	// When A types and sends a message to u2 and u9
	d.Handle(context.Background(), sessions[a], rawFrame(t, EventTyping, `"room1"`))
	d.Handle(context.Background(), sessions[a], rawFrame(t, EventNewMessage, messagePayload("u1", "u2", "u9")))

	// Then every fan-out was also published for other nodes
	req.Equal([]RoomID{ChatRoom("room1"), PersonalRoom("u2"), PersonalRoom("u9")}, bridge.Rooms())

	// When another node delivers a typing frame for room1
	delivered := d.DeliverRemote(ChatRoom("room1"), rawFrame(t, EventStopTyping, `"room1"`))

	// Then every local member gets it and nothing is republished
	req.Equal(2, delivered)
	req.Equal(EventStopTyping, a.Events()[len(a.Events())-1])
	req.Len(bridge.Rooms(), 3)
}

func TestDispatcher_Bridge_Failure_Does_Not_Block_Local_Delivery(t *testing.T) {
	req := require.New(t)
	bridge := &fakeBridge{err: errBroken}
	d := NewDispatcher(NewRegistry(), bridge, false)
	a, b := newFakeTransport("A"), newFakeTransport("B")
	sessions := connectAll(t, d, map[*fakeTransport]string{a: "", b: ""})
	d.Handle(context.Background(), sessions[b], rawFrame(t, EventJoinChat, `"room1"`))

	d.Handle(context.Background(), sessions[a], rawFrame(t, EventTyping, `"room1"`))

	req.Equal([]EventName{EventTyping}, b.Events())
}

// captureLogs routes the global logger into a buffer for the duration of the test.
// Dispatchers must be created after the call to pick it up.
func captureLogs(t *testing.T) *bytes.Buffer {
	t.Helper()
	previous := *logx.Logger()
	var buf bytes.Buffer
	logx.SetOutput(&buf, zerolog.DebugLevel)
	t.Cleanup(func() { *logx.Logger() = previous })
	return &buf
}

// logEntries returns the decoded log lines carrying message.
func logEntries(t *testing.T, buf *bytes.Buffer, message string) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n")) {
		var entry map[string]any
		require.NoError(t, json.Unmarshal(line, &entry))
		if entry["message"] == message {
			out = append(out, entry)
		}
	}
	return out
}

func TestDispatcher_Logs_Identity_And_Memberships(t *testing.T) {
	req := require.New(t)
	buf := captureLogs(t)
	d := NewDispatcher(NewRegistry(), nil, false)
	phone, laptop, other := newFakeTransport("c1"), newFakeTransport("c2"), newFakeTransport("c3")

	// Given u1 is connected twice and one connection joined two chats
	sessions := connectAll(t, d, map[*fakeTransport]string{phone: "u1"})
	laptopSession := d.Connect(laptop, "")
	d.Handle(context.Background(), laptopSession, rawFrame(t, EventSetup, `{"_id":"u1"}`))
	d.Handle(context.Background(), sessions[phone], rawFrame(t, EventJoinChat, `"room1"`))
	d.Handle(context.Background(), sessions[phone], rawFrame(t, EventJoinChat, `"room2"`))
	connectAll(t, d, map[*fakeTransport]string{other: "u2"})

	identified := logEntries(t, buf, "Connection identified.")
	req.Len(identified, 3)
	req.Equal(float64(2), identified[1]["user_connections"])

	// When a personal room broadcast happens
	d.Handle(context.Background(), sessions[phone], rawFrame(t, EventNewMessage, messagePayload("u1", "u1", "u2")))

	broadcasts := logEntries(t, buf, "Broadcast delivered.")
	req.Len(broadcasts, 1)
	req.Equal(true, broadcasts[0]["personal"])
	req.Equal("u2", broadcasts[0]["key"])
	req.Equal(float64(1), broadcasts[0]["delivered"])

	// When the connection disconnects
	d.Disconnect(sessions[phone])

	// Then the log names its user and how many rooms it left
	unregistered := logEntries(t, buf, "Connection unregistered.")
	req.Len(unregistered, 1)
	req.Equal("u1", unregistered[0]["user_id"])
	req.Equal(float64(3), unregistered[0]["rooms"])
}

func TestDispatcher_Missing_Recipients_Logged_Below_Warn(t *testing.T) {
	req := require.New(t)
	buf := captureLogs(t)
	d := NewDispatcher(NewRegistry(), nil, false)
	conn := newFakeTransport("c1")
	s := d.Connect(conn, "")

	d.Handle(context.Background(), s, rawFrame(t, EventNewMessage, `{"sender":{"_id":"u1"},"chat":{"users":[]}}`))
	d.Handle(context.Background(), s, rawFrame(t, "leave chat", `"room1"`))

	dropped := logEntries(t, buf, "Dropping inbound event.")
	req.Len(dropped, 2)
	req.Equal("info", dropped[0]["level"])
	req.Equal(float64(2103), dropped[0]["code"])
	req.Equal("warn", dropped[1]["level"])
}
