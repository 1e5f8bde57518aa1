package agent

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/nextlevelbuilder/beacon/internal/bus"
	"github.com/nextlevelbuilder/beacon/internal/providers"
	"github.com/nextlevelbuilder/beacon/internal/session"
	"github.com/nextlevelbuilder/beacon/internal/store"
	"github.com/nextlevelbuilder/beacon/internal/tools"
	"github.com/nextlevelbuilder/beacon/internal/users"
)

// propStack is the minimal live stack for property runs, built without
// *testing.T so it can run inside prop.ForAll.
type propStack struct {
	bus    *bus.MessageBus
	loop   *Loop
	cancel context.CancelFunc
}

func newPropStack(provider providers.Provider, maxConcurrent int64) (*propStack, error) {
	backend := store.NewMemory()
	sessions := session.NewStore(backend, session.Config{MemoryWindow: 100})
	us := users.NewService(backend)
	if err := us.Init(context.Background()); err != nil {
		return nil, err
	}
	b := bus.New()
	loop := NewLoop(Config{
		Bus:           b,
		Sessions:      sessions,
		Tools:         tools.NewRegistry(),
		Provider:      provider,
		Users:         us,
		MaxConcurrent: maxConcurrent,
	})
	ctx, cancel := context.WithCancel(context.Background())
	go loop.Run(ctx)
	return &propStack{bus: b, loop: loop, cancel: cancel}, nil
}

func (p *propStack) close() {
	p.cancel()
	p.bus.Close()
	p.loop.Wait()
}

func (p *propStack) publish(sessionID, text string) {
	p.bus.PublishInbound(bus.InboundMessage{
		ID:        sessionID + "/" + text,
		Channel:   "test",
		SessionID: sessionID,
		Sender:    "alice",
		Text:      text,
		Timestamp: time.Now(),
	})
}

func (p *propStack) settle(want int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if p.loop.Stats().Turns == want {
			return true
		}
		time.Sleep(2 * time.Millisecond)
	}
	return false
}

// runSchedule sends counts[i] messages to session i over an echo provider
// and returns every session's replies in arrival order plus the provider's
// peak concurrency.
func runSchedule(counts []int, maxConcurrent int64, delay time.Duration) (map[string][]string, int, error) {
	provider := echoProvider(delay)
	stack, err := newPropStack(provider, maxConcurrent)
	if err != nil {
		return nil, 0, err
	}
	defer stack.close()

	total := 0
	for _, c := range counts {
		total += c
	}

	var mu sync.Mutex
	replies := make(map[string][]string)
	done := make(chan struct{})
	seen := 0
	stack.bus.RegisterOutboundHandler("test", func(m bus.OutboundMessage) error {
		mu.Lock()
		replies[m.SessionID] = append(replies[m.SessionID], m.Text)
		seen++
		if seen == total {
			close(done)
		}
		mu.Unlock()
		return nil
	})

	for si, c := range counts {
		for mi := 0; mi < c; mi++ {
			stack.publish(fmt.Sprintf("ps%d", si), fmt.Sprintf("s%d m%d", si, mi))
		}
	}

	if total > 0 {
		select {
		case <-done:
		case <-time.After(30 * time.Second):
			return nil, 0, fmt.Errorf("timed out waiting for %d replies", total)
		}
	}
	mu.Lock()
	defer mu.Unlock()
	return replies, provider.peak(), nil
}

// runCancelRound queues k turns on one session behind a provider that
// blocks until cancelled, cancels the session, and reports the outbound
// texts and provider call count once everything settles.
func runCancelRound(k int) ([]string, int, error) {
	entered := make(chan struct{})
	var once sync.Once
	provider := &scriptedProvider{
		respond: func(ctx context.Context, _ providers.ChatRequest) (*providers.ChatResponse, error) {
			once.Do(func() { close(entered) })
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	stack, err := newPropStack(provider, 5)
	if err != nil {
		return nil, 0, err
	}
	defer stack.close()

	var mu sync.Mutex
	var texts []string
	stack.bus.RegisterOutboundHandler("test", func(m bus.OutboundMessage) error {
		mu.Lock()
		texts = append(texts, m.Text)
		mu.Unlock()
		return nil
	})

	for i := 0; i < k; i++ {
		stack.publish("cs", fmt.Sprintf("m%d", i))
	}

	select {
	case <-entered:
	case <-time.After(10 * time.Second):
		return nil, 0, fmt.Errorf("first turn never reached the provider")
	}
	if !stack.settle(k, 10*time.Second) {
		return nil, 0, fmt.Errorf("turns never registered")
	}

	stack.bus.CancelSession("cs")

	if !stack.settle(0, 10*time.Second) {
		return nil, 0, fmt.Errorf("turns never settled after cancel")
	}

	mu.Lock()
	defer mu.Unlock()
	return append([]string(nil), texts...), provider.callCount(), nil
}

// TestDispatchInvariants property-checks the dispatcher over random
// schedules: per-session reply order always matches send order, the
// admission cap is never exceeded, and a session cancel settles every
// queued turn with exactly the one notice from the in-flight turn.
func TestDispatchInvariants(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 12
	parameters.MaxSize = 5
	properties := gopter.NewProperties(parameters)

	properties.Property("per-session replies preserve send order under the cap", prop.ForAll(
		func(counts []int, capSize int) bool {
			replies, peak, err := runSchedule(counts, int64(capSize), 3*time.Millisecond)
			if err != nil {
				return false
			}
			if peak > capSize {
				return false
			}
			for si, c := range counts {
				got := replies[fmt.Sprintf("ps%d", si)]
				if len(got) != c {
					return false
				}
				for mi, text := range got {
					if text != fmt.Sprintf("re: s%d m%d", si, mi) {
						return false
					}
				}
			}
			return true
		},
		gen.SliceOf(gen.IntRange(0, 4)),
		gen.IntRange(1, 3),
	))

	properties.Property("cancel settles the queue with one notice", prop.ForAll(
		func(k int) bool {
			texts, calls, err := runCancelRound(k)
			if err != nil {
				return false
			}
			return calls == 1 && len(texts) == 1 && texts[0] == "[Session cancelled]"
		},
		gen.IntRange(1, 5),
	))

	properties.TestingRun(t)
}
