package urnaclient

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	urna "github.com/votoseguro/urnago"
	"github.com/votoseguro/urnago/server"
)

const (
	testToken = "session-token-1"
	testCode  = "654321"
)

var testChoices = []urna.Choice{
	{Number: 10, Name: "Renewal", Lead: "Ana", RunningMate: "Bruno"},
	{Number: 20, Name: "Continuity", Lead: "Carla", RunningMate: "Diego"},
	{Number: urna.BlankVote, Name: "Blank vote"},
	{Number: urna.NullVote, Name: "Null vote"},
}

// mockAuthority is an in-process authority with overridable endpoint
// behavior and a request counter.
type mockAuthority struct {
	server   *httptest.Server
	requests int64

	eligibility http.HandlerFunc
	code        http.HandlerFunc
	ballot      http.HandlerFunc
	cast        http.HandlerFunc
}

func newMockAuthority(t *testing.T) *mockAuthority {
	authority := &mockAuthority{}

	router := chi.NewRouter()
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt64(&authority.requests, 1)
			next.ServeHTTP(w, r)
		})
	})
	router.Post("/eligibility", func(w http.ResponseWriter, r *http.Request) {
		if authority.eligibility != nil {
			authority.eligibility(w, r)
			return
		}
		server.WriteJson(w, &urna.EligibilityResponse{
			Status:         "ok",
			Voter:          &urna.VoterIdentity{Name: "Ana Souza", MaskedID: "123.***.***-42"},
			NetworkAddress: "198.51.100.7",
		})
	})
	router.Post("/code", func(w http.ResponseWriter, r *http.Request) {
		if authority.code != nil {
			authority.code(w, r)
			return
		}
		server.WriteJson(w, &urna.CodeResponse{Status: "ok", AttemptsRemaining: 5})
	})
	router.Get("/ballot", func(w http.ResponseWriter, r *http.Request) {
		if authority.ballot != nil {
			authority.ballot(w, r)
			return
		}
		server.WriteJson(w, &urna.BallotResponse{Status: "ok", Choices: testChoices})
	})
	router.Post("/cast", func(w http.ResponseWriter, r *http.Request) {
		if authority.cast != nil {
			authority.cast(w, r)
			return
		}
		var request urna.CastRequest
		require.NoError(t, server.ParseBody(r, &request))
		if request.Code != testCode {
			server.WriteError(w, server.ErrorCodeInvalid, "incorrect code")
			return
		}
		server.WriteJson(w, &urna.CastResponse{
			Status:    "ok",
			Hash:      "abc123",
			Timestamp: "2026-01-20T21:00:00Z",
		})
	})

	authority.server = httptest.NewServer(router)
	t.Cleanup(authority.server.Close)
	return authority
}

func (m *mockAuthority) calls() int64 {
	return atomic.LoadInt64(&m.requests)
}

type transition struct {
	from, to Status
}

// testHandler records transitions and forwards the other callbacks through
// buffered channels.
type testHandler struct {
	mu          sync.Mutex
	transitions []transition

	eligible chan *urna.VoterIdentity
	issued   chan *urna.SecondFactorWindow
	ballots  chan *urna.Ballot
	rejected chan int
	success  chan *urna.Receipt
	blocked  chan *urna.Block
	ticks    chan int
}

var _ Handler = (*testHandler)(nil)

func newTestHandler() *testHandler {
	return &testHandler{
		eligible: make(chan *urna.VoterIdentity, 16),
		issued:   make(chan *urna.SecondFactorWindow, 16),
		ballots:  make(chan *urna.Ballot, 16),
		rejected: make(chan int, 16),
		success:  make(chan *urna.Receipt, 16),
		blocked:  make(chan *urna.Block, 16),
		ticks:    make(chan int, 1024),
	}
}

func (h *testHandler) StatusUpdate(oldStatus, newStatus Status) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.transitions = append(h.transitions, transition{oldStatus, newStatus})
}

func (h *testHandler) EligibilityDone(voter *urna.VoterIdentity) { h.eligible <- voter }

func (h *testHandler) SecondFactorIssued(window *urna.SecondFactorWindow) { h.issued <- window }

func (h *testHandler) BallotAvailable(ballot *urna.Ballot) { h.ballots <- ballot }

func (h *testHandler) CodeRejected(attemptsRemaining int) { h.rejected <- attemptsRemaining }

func (h *testHandler) Success(receipt *urna.Receipt) { h.success <- receipt }

func (h *testHandler) Blocked(block *urna.Block) { h.blocked <- block }

func (h *testHandler) CountdownTick(secondsLeft int) {
	select {
	case h.ticks <- secondsLeft:
	default:
	}
}

var declaredEdges = map[Status][]Status{
	StatusChecking:             {StatusCaptcha, StatusBlocked},
	StatusCaptcha:              {StatusReady},
	StatusReady:                {StatusAwaitingSecondFactor, StatusBlocked},
	StatusAwaitingSecondFactor: {StatusVoting, StatusBlocked},
	StatusVoting:               {StatusReceipt, StatusBlocked},
}

// assertDeclaredPath checks that every observed transition is an edge of the
// state graph, and that the transitions are contiguous.
func (h *testHandler) assertDeclaredPath(t *testing.T) {
	h.mu.Lock()
	defer h.mu.Unlock()
	previous := StatusChecking
	for _, tr := range h.transitions {
		assert.Equal(t, previous, tr.from, "transition out of unexpected state")
		assert.Contains(t, declaredEdges[tr.from], tr.to,
			"undeclared transition %s -> %s", tr.from, tr.to)
		previous = tr.to
	}
}

const eventTimeout = 5 * time.Second

func waitEvent[T any](t *testing.T, ch chan T, what string) T {
	select {
	case event := <-ch:
		return event
	case <-time.After(eventTimeout):
		t.Fatal("timed out waiting for ", what)
		panic("unreachable")
	}
}

func assertNoEvent[T any](t *testing.T, ch chan T, within time.Duration, what string) {
	select {
	case <-ch:
		t.Fatal("unexpected ", what)
	case <-time.After(within):
	}
}

// setTestTimers shortens the second-factor window for tests that exercise
// the countdown.
func setTestTimers(session *Session, validity, tick time.Duration) {
	session.mu.Lock()
	defer session.mu.Unlock()
	session.windowValidity = validity
	session.tickInterval = tick
}

// startVoting drives a session up to VOTING with the ballot fetched.
func startVoting(t *testing.T, authority *mockAuthority) (*Session, *testHandler) {
	handler := newTestHandler()
	session := NewSession(authority.server.URL, testToken, handler)
	waitEvent(t, handler.eligible, "eligibility")
	require.NoError(t, session.ConfirmChallenge())
	require.NoError(t, session.RequestCode())
	waitEvent(t, handler.issued, "second factor")
	require.NoError(t, session.SubmitCode(testCode))
	waitEvent(t, handler.ballots, "ballot")
	return session, handler
}

func TestHappyPathToReceipt(t *testing.T) {
	authority := newMockAuthority(t)
	handler := newTestHandler()
	session := NewSession(authority.server.URL, testToken, handler)
	defer session.Dismiss()

	voter := waitEvent(t, handler.eligible, "eligibility")
	assert.Equal(t, "Ana Souza", voter.Name)
	assert.Equal(t, "123.***.***-42", voter.MaskedID)
	assert.Equal(t, "198.51.100.7", voter.NetworkAddress)
	assert.Equal(t, StatusCaptcha, session.Status())

	require.NoError(t, session.ConfirmChallenge())
	assert.Equal(t, StatusReady, session.Status())

	require.NoError(t, session.RequestCode())
	window := waitEvent(t, handler.issued, "second factor")
	assert.Equal(t, 5, window.AttemptsRemaining)
	assert.Equal(t, urna.SecondFactorValidity, window.ExpiresAt.Sub(window.IssuedAt))

	require.NoError(t, session.SubmitCode(testCode))
	ballot := waitEvent(t, handler.ballots, "ballot")
	require.Len(t, ballot.Choices, 4)
	assert.Equal(t, StatusVoting, session.Status())

	// Changing the selection generates no network traffic
	before := authority.calls()
	require.NoError(t, session.Select(10))
	require.NoError(t, session.Select(20))
	require.NoError(t, session.Select(urna.BlankVote))
	require.NoError(t, session.Select(10))
	assert.Equal(t, before, authority.calls())

	require.NoError(t, session.Cast())
	receipt := waitEvent(t, handler.success, "receipt")
	assert.Equal(t, "abc123", receipt.Hash)
	assert.Equal(t, "2026-01-20T21:00:00Z", receipt.Timestamp)
	assert.Equal(t, StatusReceipt, session.Status())

	// Terminal: no further operations, no further authority calls
	terminal := authority.calls()
	assert.ErrorIs(t, session.ConfirmChallenge(), ErrSessionDone)
	assert.ErrorIs(t, session.RequestCode(), ErrSessionDone)
	assert.ErrorIs(t, session.Cast(), ErrSessionDone)
	assert.Equal(t, terminal, authority.calls())

	handler.assertDeclaredPath(t)
}

func TestEligibilityLegacyConflictMessage(t *testing.T) {
	authority := newMockAuthority(t)
	authority.eligibility = func(w http.ResponseWriter, r *http.Request) {
		// An authority predating the code enum: free text only
		server.WriteRemoteError(w, &urna.RemoteError{
			Status:    409,
			ErrorName: "DENIED",
			Message:   "duplicate-session-conflict",
		})
	}

	handler := newTestHandler()
	session := NewSession(authority.server.URL, testToken, handler)
	defer session.Dismiss()

	block := waitEvent(t, handler.blocked, "block")
	assert.Equal(t, urna.BlockSessionConflict, block.Category)
	assert.False(t, block.Category.Recoverable(), "conflicts must not offer a correction path")
	assert.Equal(t, StatusBlocked, session.Status())
	handler.assertDeclaredPath(t)
}

func TestEligibilityAlreadyVoted(t *testing.T) {
	authority := newMockAuthority(t)
	authority.eligibility = func(w http.ResponseWriter, r *http.Request) {
		server.WriteError(w, server.ErrorAlreadyVoted, "a vote was already registered")
	}

	handler := newTestHandler()
	session := NewSession(authority.server.URL, testToken, handler)
	defer session.Dismiss()

	block := waitEvent(t, handler.blocked, "block")
	assert.Equal(t, urna.BlockAlreadyVoted, block.Category)
}

func TestEligibilityInvalidRecordIsRecoverable(t *testing.T) {
	authority := newMockAuthority(t)
	authority.eligibility = func(w http.ResponseWriter, r *http.Request) {
		server.WriteError(w, server.ErrorInvalidRecord, "identity record failed validation")
	}

	handler := newTestHandler()
	session := NewSession(authority.server.URL, testToken, handler)
	defer session.Dismiss()

	block := waitEvent(t, handler.blocked, "block")
	assert.Equal(t, urna.BlockInvalidRecord, block.Category)
	assert.True(t, block.Category.Recoverable())
}

func TestEligibilityNetworkFailure(t *testing.T) {
	authority := newMockAuthority(t)
	authority.server.Close()

	handler := newTestHandler()
	session := NewSession(authority.server.URL, testToken, handler)
	defer session.Dismiss()

	block := waitEvent(t, handler.blocked, "block")
	assert.Equal(t, urna.BlockNetworkFailure, block.Category)
}

func TestCodeIssuanceRateLimited(t *testing.T) {
	authority := newMockAuthority(t)
	authority.code = func(w http.ResponseWriter, r *http.Request) {
		server.WriteError(w, server.ErrorRateLimited, "a code was issued recently")
	}

	handler := newTestHandler()
	session := NewSession(authority.server.URL, testToken, handler)
	defer session.Dismiss()
	waitEvent(t, handler.eligible, "eligibility")
	require.NoError(t, session.ConfirmChallenge())
	require.NoError(t, session.RequestCode())

	block := waitEvent(t, handler.blocked, "block")
	assert.Equal(t, urna.BlockAdministrative, block.Category)
	handler.assertDeclaredPath(t)
}

func TestWrongCodeTwiceStaysInVoting(t *testing.T) {
	authority := newMockAuthority(t)
	attempts := 5
	authority.cast = func(w http.ResponseWriter, r *http.Request) {
		var request urna.CastRequest
		require.NoError(t, server.ParseBody(r, &request))
		if request.Code != testCode {
			attempts--
			rerr := server.RemoteError(server.ErrorCodeInvalid, "incorrect code")
			rerr.AttemptsRemaining = &attempts
			server.WriteRemoteError(w, rerr)
			return
		}
		server.WriteJson(w, &urna.CastResponse{Status: "ok", Hash: "abc123", Timestamp: "2026-01-20T21:00:00Z"})
	}

	session, handler := startVoting(t, authority)
	defer session.Dismiss()
	issuedAt := session.Window().IssuedAt
	require.NoError(t, session.Select(10))

	// First wrong code
	require.NoError(t, session.SubmitCode("111111"))
	require.NoError(t, session.Cast())
	assert.Equal(t, 4, waitEvent(t, handler.rejected, "code rejection"))
	assert.Equal(t, StatusVoting, session.Status())

	// Second wrong code
	require.NoError(t, session.SubmitCode("222222"))
	require.NoError(t, session.Cast())
	assert.Equal(t, 3, waitEvent(t, handler.rejected, "code rejection"))
	assert.Equal(t, StatusVoting, session.Status())

	// The window still runs from the original issue instant
	assert.Equal(t, issuedAt, session.Window().IssuedAt)
	assert.Equal(t, 3, session.Window().AttemptsRemaining)

	// A correct code still succeeds within the same window
	require.NoError(t, session.SubmitCode(testCode))
	require.NoError(t, session.Cast())
	receipt := waitEvent(t, handler.success, "receipt")
	assert.Equal(t, "abc123", receipt.Hash)
	handler.assertDeclaredPath(t)
}

func TestCodeRejectionExhaustionEscalates(t *testing.T) {
	authority := newMockAuthority(t)
	authority.cast = func(w http.ResponseWriter, r *http.Request) {
		zero := 0
		rerr := server.RemoteError(server.ErrorCodeInvalid, "incorrect code")
		rerr.AttemptsRemaining = &zero
		server.WriteRemoteError(w, rerr)
	}

	session, handler := startVoting(t, authority)
	defer session.Dismiss()
	require.NoError(t, session.Select(10))
	require.NoError(t, session.Cast())

	block := waitEvent(t, handler.blocked, "block")
	assert.Equal(t, urna.BlockAdministrative, block.Category)
	handler.assertDeclaredPath(t)
}

func TestCountdownTimeout(t *testing.T) {
	authority := newMockAuthority(t)
	handler := newTestHandler()
	session := NewSession(authority.server.URL, testToken, handler)
	defer session.Dismiss()
	setTestTimers(session, 300*time.Millisecond, 50*time.Millisecond)

	waitEvent(t, handler.eligible, "eligibility")
	require.NoError(t, session.ConfirmChallenge())
	require.NoError(t, session.RequestCode())
	waitEvent(t, handler.issued, "second factor")
	issuance := authority.calls()

	block := waitEvent(t, handler.blocked, "block")
	assert.Equal(t, urna.BlockTimeout, block.Category)
	// Expiry is decided purely client-side
	assert.Equal(t, issuance, authority.calls())
	handler.assertDeclaredPath(t)
}

func TestCountdownTicks(t *testing.T) {
	authority := newMockAuthority(t)
	handler := newTestHandler()
	session := NewSession(authority.server.URL, testToken, handler)
	defer session.Dismiss()
	setTestTimers(session, 5*time.Second, 10*time.Millisecond)

	waitEvent(t, handler.eligible, "eligibility")
	require.NoError(t, session.ConfirmChallenge())
	require.NoError(t, session.RequestCode())
	waitEvent(t, handler.issued, "second factor")

	left := waitEvent(t, handler.ticks, "countdown tick")
	assert.Greater(t, left, 0)
	assert.LessOrEqual(t, left, 5)
}

func TestCastTransportFailureIsAmbiguous(t *testing.T) {
	authority := newMockAuthority(t)
	authority.cast = func(w http.ResponseWriter, r *http.Request) {
		// Drop the connection before any response reaches the client
		conn, _, err := w.(http.Hijacker).Hijack()
		require.NoError(t, err)
		_ = conn.Close()
	}

	session, handler := startVoting(t, authority)
	defer session.Dismiss()
	require.NoError(t, session.Select(10))
	require.NoError(t, session.Cast())

	block := waitEvent(t, handler.blocked, "block")
	assert.Equal(t, urna.BlockFatalCast, block.Category)
	assert.Contains(t, block.Message, "may or may not",
		"the commit ambiguity must be surfaced, not hidden")
	handler.assertDeclaredPath(t)
}

func TestFatalCastRejection(t *testing.T) {
	authority := newMockAuthority(t)
	authority.cast = func(w http.ResponseWriter, r *http.Request) {
		server.WriteError(w, server.ErrorAlreadyVoted, "a vote was already registered")
	}

	session, handler := startVoting(t, authority)
	defer session.Dismiss()
	require.NoError(t, session.Select(10))
	require.NoError(t, session.Cast())

	block := waitEvent(t, handler.blocked, "block")
	assert.Equal(t, urna.BlockFatalCast, block.Category)
}

func TestBallotFetchFailure(t *testing.T) {
	authority := newMockAuthority(t)
	authority.ballot = func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}

	handler := newTestHandler()
	session := NewSession(authority.server.URL, testToken, handler)
	defer session.Dismiss()
	waitEvent(t, handler.eligible, "eligibility")
	require.NoError(t, session.ConfirmChallenge())
	require.NoError(t, session.RequestCode())
	waitEvent(t, handler.issued, "second factor")
	require.NoError(t, session.SubmitCode(testCode))

	block := waitEvent(t, handler.blocked, "block")
	assert.Equal(t, urna.BlockNetworkFailure, block.Category)
}

func TestOperationsOutsideTheirState(t *testing.T) {
	authority := newMockAuthority(t)
	handler := newTestHandler()
	session := NewSession(authority.server.URL, testToken, handler)
	defer session.Dismiss()
	waitEvent(t, handler.eligible, "eligibility")

	// In CAPTCHA only the challenge can be confirmed
	assert.ErrorIs(t, session.RequestCode(), ErrInvalidOperation)
	assert.ErrorIs(t, session.SubmitCode(testCode), ErrInvalidOperation)
	assert.ErrorIs(t, session.Select(10), ErrInvalidOperation)
	assert.ErrorIs(t, session.Cast(), ErrInvalidOperation)

	// Malformed codes are rejected regardless of state
	assert.ErrorIs(t, session.SubmitCode("12ab56"), ErrInvalidCode)
	assert.ErrorIs(t, session.SubmitCode("123"), ErrInvalidCode)

	require.NoError(t, session.ConfirmChallenge())
	assert.ErrorIs(t, session.ConfirmChallenge(), ErrInvalidOperation)
}

func TestVotingPreconditions(t *testing.T) {
	authority := newMockAuthority(t)
	session, _ := startVoting(t, authority)
	defer session.Dismiss()

	assert.ErrorIs(t, session.Select(99), ErrUnknownChoice)
	assert.ErrorIs(t, session.Cast(), ErrNoSelection)

	require.NoError(t, session.Select(urna.NullVote))
	selection, selected := session.Selection()
	assert.True(t, selected)
	assert.Equal(t, urna.NullVote, selection)
}

func TestDismissCancelsCountdown(t *testing.T) {
	authority := newMockAuthority(t)
	handler := newTestHandler()
	session := NewSession(authority.server.URL, testToken, handler)
	setTestTimers(session, 200*time.Millisecond, 20*time.Millisecond)

	waitEvent(t, handler.eligible, "eligibility")
	require.NoError(t, session.ConfirmChallenge())
	require.NoError(t, session.RequestCode())
	waitEvent(t, handler.issued, "second factor")

	session.Dismiss()
	assert.ErrorIs(t, session.SubmitCode(testCode), ErrSessionDone)

	// The stale timer must not fire a transition on a dismissed session
	assertNoEvent(t, handler.blocked, 500*time.Millisecond, "block after dismissal")
}
