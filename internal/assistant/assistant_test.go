package assistant

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/narrator/internal/apperr"
	"github.com/lexiqai/narrator/internal/audio"
	"github.com/lexiqai/narrator/internal/script"
	"github.com/lexiqai/narrator/internal/voice"
)

type fakeCapture struct {
	frames chan []float32
	once   sync.Once
}

func (c *fakeCapture) Frames() <-chan []float32 { return c.frames }
func (c *fakeCapture) SampleRate() int          { return audio.CaptureSampleRate }
func (c *fakeCapture) Close() error {
	c.once.Do(func() { close(c.frames) })
	return nil
}

type fakeMic struct {
	err error
}

func (m *fakeMic) Open(ctx context.Context) (voice.Capture, error) {
	if m.err != nil {
		return nil, m.err
	}
	return &fakeCapture{frames: make(chan []float32)}, nil
}

// fakeConn completes the turn with a fixed question when the audio ends.
type fakeConn struct {
	question string
	msgs     chan voice.Message
	once     sync.Once
}

func (c *fakeConn) Send(ctx context.Context, blob audio.Blob) error { return nil }
func (c *fakeConn) Messages() <-chan voice.Message                  { return c.msgs }
func (c *fakeConn) Err() error                                      { return nil }

func (c *fakeConn) CloseSend(ctx context.Context) error {
	if c.question != "" {
		c.msgs <- voice.Message{Text: c.question, Final: true, TurnComplete: true}
	}
	return nil
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.msgs) })
	return nil
}

type fakeTransport struct {
	question string
}

func (t *fakeTransport) Connect(ctx context.Context) (voice.Conn, error) {
	return &fakeConn{question: t.question, msgs: make(chan voice.Message, 4)}, nil
}

type fakeAnswerer struct {
	mu       sync.Mutex
	answer   string
	err      error
	question string
	context  string
}

func (a *fakeAnswerer) Answer(ctx context.Context, question, contextText string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.question = question
	a.context = contextText
	return a.answer, a.err
}

type fakePlayer struct {
	mu     sync.Mutex
	loaded [][]string
	plays  int
}

func (p *fakePlayer) Load(units []string) {
	p.mu.Lock()
	p.loaded = append(p.loaded, units)
	p.mu.Unlock()
}

func (p *fakePlayer) Play() error {
	p.mu.Lock()
	p.plays++
	p.mu.Unlock()
	return nil
}

type statusLog struct {
	mu       sync.Mutex
	statuses []Status
	errs     []error
}

func (l *statusLog) record(s Status, err error) {
	l.mu.Lock()
	l.statuses = append(l.statuses, s)
	if err != nil {
		l.errs = append(l.errs, err)
	}
	l.mu.Unlock()
}

func newTestAssistant(mic voice.Microphone, question string, answerer Answerer, player Player, opts ...Option) *Assistant {
	manager := voice.NewManager(mic, &fakeTransport{question: question},
		voice.WithLogger(zerolog.Nop()),
		voice.WithFinalGrace(200*time.Millisecond))
	opts = append([]Option{WithLogger(zerolog.Nop())}, opts...)
	return New(manager, answerer, player, opts...)
}

func testScript() *script.Script {
	return &script.Script{
		Summary: "Tides.",
		Sections: []script.Section{
			{Title: "Tides", Paragraphs: []string{"The moon pulls the oceans."}},
		},
	}
}

func TestAssistant_AnswersQuestion(t *testing.T) {
	answerer := &fakeAnswerer{answer: "Because of the moon."}
	player := &fakePlayer{}
	statuses := &statusLog{}
	var turns []Turn
	a := newTestAssistant(&fakeMic{}, "why are there tides", answerer, player,
		WithStatusListener(statuses.record),
		WithTurnListener(func(t Turn) { turns = append(turns, t) }))
	a.SetContext(testScript())

	if err := a.Begin(context.Background()); err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	if a.Status() != StatusListening {
		t.Errorf("Expected listening, got %s", a.Status())
	}
	if err := a.End(context.Background()); err != nil {
		t.Fatalf("End failed: %v", err)
	}

	if a.Status() != StatusIdle {
		t.Errorf("Expected idle, got %s", a.Status())
	}
	if answerer.question != "why are there tides" {
		t.Errorf("Expected question passed through, got '%s'", answerer.question)
	}
	if answerer.context != testScript().ContextText() {
		t.Errorf("Expected script context, got '%s'", answerer.context)
	}

	if len(turns) != 2 || turns[0].Role != RoleUser || turns[1].Role != RoleAssistant {
		t.Fatalf("Expected user then assistant turn, got %+v", turns)
	}
	if turns[1].ID <= turns[0].ID {
		t.Errorf("Expected increasing turn IDs, got %d then %d", turns[0].ID, turns[1].ID)
	}
	if len(a.Turns()) != 2 {
		t.Errorf("Expected 2 logged turns, got %d", len(a.Turns()))
	}

	if len(player.loaded) != 1 || len(player.loaded[0]) != 1 || player.loaded[0][0] != "Because of the moon." {
		t.Errorf("Expected the answer loaded as a single unit, got %v", player.loaded)
	}
	if player.plays != 1 {
		t.Errorf("Expected 1 play, got %d", player.plays)
	}

	want := []Status{StatusListening, StatusProcessing, StatusIdle}
	if len(statuses.statuses) != len(want) {
		t.Fatalf("Expected statuses %v, got %v", want, statuses.statuses)
	}
	for i := range want {
		if statuses.statuses[i] != want[i] {
			t.Errorf("Status %d: expected %s, got %s", i, want[i], statuses.statuses[i])
		}
	}
}

func TestAssistant_NoQuestionHeard(t *testing.T) {
	answerer := &fakeAnswerer{answer: "unused"}
	player := &fakePlayer{}
	a := newTestAssistant(&fakeMic{}, "", answerer, player)

	a.Begin(context.Background())
	if err := a.End(context.Background()); err != nil {
		t.Fatalf("Expected no error for an empty turn, got %v", err)
	}
	if a.Status() != StatusIdle {
		t.Errorf("Expected idle, got %s", a.Status())
	}
	if answerer.question != "" || len(player.loaded) != 0 {
		t.Error("Expected no answer for an empty turn")
	}
	if len(a.Turns()) != 0 {
		t.Errorf("Expected empty log, got %v", a.Turns())
	}
}

func TestAssistant_PermissionDenied(t *testing.T) {
	statuses := &statusLog{}
	a := newTestAssistant(&fakeMic{err: errors.New("denied")}, "q", &fakeAnswerer{}, &fakePlayer{},
		WithStatusListener(statuses.record))

	err := a.Begin(context.Background())
	if !errors.Is(err, apperr.ErrPermission) {
		t.Fatalf("Expected ErrPermission, got %v", err)
	}
	if a.Status() != StatusIdle {
		t.Errorf("Expected idle, got %s", a.Status())
	}
	if len(statuses.errs) != 1 {
		t.Errorf("Expected the failure reported to the status listener, got %v", statuses.errs)
	}
}

func TestAssistant_AnswerFailure(t *testing.T) {
	answerer := &fakeAnswerer{err: apperr.Newf(apperr.ErrAssistant, "answer", "quota")}
	player := &fakePlayer{}
	statuses := &statusLog{}
	a := newTestAssistant(&fakeMic{}, "a question", answerer, player, WithStatusListener(statuses.record))

	a.Begin(context.Background())
	err := a.End(context.Background())
	if !errors.Is(err, apperr.ErrAssistant) {
		t.Fatalf("Expected ErrAssistant, got %v", err)
	}
	if a.Status() != StatusIdle {
		t.Errorf("Expected idle, got %s", a.Status())
	}
	if len(player.loaded) != 0 {
		t.Error("Expected nothing played")
	}
	if turns := a.Turns(); len(turns) != 1 || turns[0].Role != RoleUser {
		t.Errorf("Expected only the user turn, got %+v", turns)
	}
	if len(statuses.errs) != 1 {
		t.Errorf("Expected one reported error, got %v", statuses.errs)
	}
}

func TestAssistant_EndWithoutBegin(t *testing.T) {
	a := newTestAssistant(&fakeMic{}, "q", &fakeAnswerer{}, &fakePlayer{})
	if err := a.End(context.Background()); err != nil {
		t.Errorf("Expected no-op, got %v", err)
	}
}

func TestAssistant_BeginWhileListening(t *testing.T) {
	statuses := &statusLog{}
	a := newTestAssistant(&fakeMic{}, "q", &fakeAnswerer{answer: "a"}, &fakePlayer{}, WithStatusListener(statuses.record))

	a.Begin(context.Background())
	a.Begin(context.Background())
	if len(statuses.statuses) != 1 {
		t.Errorf("Expected a single status change, got %v", statuses.statuses)
	}
	a.End(context.Background())
}

// droppingTransport hands out one connection the test can drop.
type droppingTransport struct {
	conn *fakeConn
}

func (t *droppingTransport) Connect(ctx context.Context) (voice.Conn, error) {
	return t.conn, nil
}

func TestAssistant_ReportsDroppedConnection(t *testing.T) {
	statuses := &statusLog{}
	transport := &droppingTransport{conn: &fakeConn{msgs: make(chan voice.Message, 4)}}
	manager := voice.NewManager(&fakeMic{}, transport, voice.WithLogger(zerolog.Nop()))
	a := New(manager, &fakeAnswerer{answer: "a"}, &fakePlayer{},
		WithLogger(zerolog.Nop()), WithStatusListener(statuses.record))

	if err := a.Begin(context.Background()); err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	transport.conn.Close()

	reported := func() bool {
		statuses.mu.Lock()
		defer statuses.mu.Unlock()
		return len(statuses.errs) > 0
	}
	deadline := time.Now().Add(2 * time.Second)
	for !reported() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if a.Status() != StatusIdle {
		t.Fatalf("Expected idle after the connection dropped, got %s", a.Status())
	}

	statuses.mu.Lock()
	if len(statuses.errs) != 1 || !errors.Is(statuses.errs[0], apperr.ErrTransport) {
		t.Errorf("Expected one transport error, got %v", statuses.errs)
	}
	statuses.mu.Unlock()

	if err := a.End(context.Background()); err != nil {
		t.Errorf("Expected End to be a no-op, got %v", err)
	}
	if len(a.Turns()) != 0 {
		t.Errorf("Expected no turns, got %d", len(a.Turns()))
	}
}

func TestLog_AppendAndCopy(t *testing.T) {
	var l Log
	first := l.Append(RoleUser, "hi")
	second := l.Append(RoleAssistant, "hello")
	if first.ID != 1 || second.ID != 2 {
		t.Errorf("Expected IDs 1 and 2, got %d and %d", first.ID, second.ID)
	}

	turns := l.Turns()
	turns[0].Text = "changed"
	if l.Turns()[0].Text != "hi" {
		t.Error("Expected Turns to return a copy")
	}
	if l.Len() != 2 {
		t.Errorf("Expected 2 turns, got %d", l.Len())
	}
}

func TestStatus_String(t *testing.T) {
	tests := []struct {
		status Status
		want   string
	}{
		{StatusIdle, "idle"},
		{StatusListening, "listening"},
		{StatusProcessing, "processing"},
	}
	for _, tt := range tests {
		if got := tt.status.String(); got != tt.want {
			t.Errorf("Expected %s, got %s", tt.want, got)
		}
	}
}
