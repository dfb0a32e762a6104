package urnaclient

import (
	"sync"
	"time"

	"github.com/go-errors/errors"

	urna "github.com/votoseguro/urnago"
)

// Status is the state of a voting session. The only valid transitions are
//
//	CHECKING → BLOCKED | CAPTCHA
//	CAPTCHA → READY
//	READY → AWAITING_2FA | BLOCKED
//	AWAITING_2FA → VOTING | BLOCKED
//	VOTING → RECEIPT | BLOCKED
//
// RECEIPT and BLOCKED are terminal; recovery requires a fresh session.
type Status string

const (
	StatusChecking             = Status("CHECKING")
	StatusCaptcha              = Status("CAPTCHA")
	StatusReady                = Status("READY")
	StatusAwaitingSecondFactor = Status("AWAITING_2FA")
	StatusVoting               = Status("VOTING")
	StatusReceipt              = Status("RECEIPT")
	StatusBlocked              = Status("BLOCKED")
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusReceipt || s == StatusBlocked
}

var (
	// ErrSessionDone is returned by operations on a dismissed or terminal session.
	ErrSessionDone = errors.New("session is finished")
	// ErrBusy is returned while an authority call is in flight.
	ErrBusy = errors.New("authority call in flight")
	// ErrInvalidOperation is returned for an operation not valid in the current state.
	ErrInvalidOperation = errors.New("operation not valid in current state")
	// ErrInvalidCode is returned for a syntactically invalid second-factor code.
	ErrInvalidCode = errors.New("malformed second-factor code")
	// ErrUnknownChoice is returned when selecting a number the ballot does not contain.
	ErrUnknownChoice = errors.New("choice not on ballot")
	// ErrNoSelection is returned by Cast when no choice has been selected.
	ErrNoSelection = errors.New("no choice selected")
	// ErrNoCode is returned by Cast when no code is pending, e.g. after a rejection.
	ErrNoCode = errors.New("no second-factor code submitted")
)

// A Session is one voting session: a fresh state machine per page visit,
// never shared and never restarted. It owns its countdown timer and issues
// at most one authority call at a time.
type Session struct {
	mu        sync.Mutex
	status    Status
	handler   Handler
	transport *urna.HTTPTransport
	token     string

	voter           *urna.VoterIdentity
	challengeSolved bool
	window          *urna.SecondFactorWindow
	code            string
	ballot          *urna.Ballot
	selection       int
	selected        bool
	receipt         *urna.Receipt
	block           *urna.Block

	inflight bool
	disposed bool

	// non-nil exactly while the countdown goroutine may still act
	countdownStop chan struct{}

	// shortened by tests; SecondFactorValidity otherwise
	windowValidity time.Duration
	tickInterval   time.Duration
}

// NewSession starts a voting session against the authority at serverURL,
// using credential as the opaque session token. The eligibility check runs
// immediately; its outcome arrives through the handler.
func NewSession(serverURL, credential string, handler Handler) *Session {
	session := &Session{
		status:         StatusChecking,
		handler:        handler,
		transport:      urna.NewHTTPTransport(serverURL),
		token:          credential,
		windowValidity: urna.SecondFactorValidity,
		tickInterval:   time.Second,
	}
	session.transport.SetBearerToken(credential)
	go session.checkEligibility()
	return session
}

// Status returns the current state.
func (session *Session) Status() Status {
	session.mu.Lock()
	defer session.mu.Unlock()
	return session.status
}

// Voter returns the identity disclosed by the eligibility check, or nil
// before it completed.
func (session *Session) Voter() *urna.VoterIdentity {
	session.mu.Lock()
	defer session.mu.Unlock()
	return session.voter
}

// Window returns the current second-factor window, or nil before a code was
// issued. The window keeps reporting remaining time in VOTING, so a display
// can keep counting down from the original issue instant.
func (session *Session) Window() *urna.SecondFactorWindow {
	session.mu.Lock()
	defer session.mu.Unlock()
	return session.window
}

// Ballot returns the ballot once fetched, nil before.
func (session *Session) Ballot() *urna.Ballot {
	session.mu.Lock()
	defer session.mu.Unlock()
	return session.ballot
}

// Selection returns the currently highlighted choice number, and whether any
// choice is highlighted at all.
func (session *Session) Selection() (int, bool) {
	session.mu.Lock()
	defer session.mu.Unlock()
	return session.selection, session.selected
}

// Receipt returns the receipt in RECEIPT, nil otherwise.
func (session *Session) Receipt() *urna.Receipt {
	session.mu.Lock()
	defer session.mu.Unlock()
	return session.receipt
}

// Block returns the terminal failure in BLOCKED, nil otherwise.
func (session *Session) Block() *urna.Block {
	session.mu.Lock()
	defer session.mu.Unlock()
	return session.block
}

// Dismiss tears the session down. Any in-flight authority call's result is
// discarded on arrival, and the countdown timer is cancelled. After Dismiss
// every operation returns ErrSessionDone.
func (session *Session) Dismiss() {
	session.mu.Lock()
	defer session.mu.Unlock()
	session.disposed = true
	session.stopCountdown()
}

// ConfirmChallenge records that the voter completed the anti-automation
// challenge and advances CAPTCHA → READY. Purely client-local; this is
// deliberate friction, not a security control.
func (session *Session) ConfirmChallenge() error {
	session.mu.Lock()
	if err := session.operable(StatusCaptcha); err != nil {
		session.mu.Unlock()
		return err
	}
	session.challengeSolved = true
	session.status = StatusReady
	session.mu.Unlock()

	session.handler.StatusUpdate(StatusCaptcha, StatusReady)
	return nil
}

// RequestCode asks the authority to issue a one-time code. On success the
// session enters AWAITING_2FA and the countdown starts; on failure it
// blocks. Returns immediately; the outcome arrives through the handler.
func (session *Session) RequestCode() error {
	session.mu.Lock()
	if err := session.operable(StatusReady); err != nil {
		session.mu.Unlock()
		return err
	}
	session.inflight = true
	session.mu.Unlock()

	go session.issueCode()
	return nil
}

// SubmitCode records the code the voter received out-of-band. A
// syntactically valid code is the sole precondition to advance
// AWAITING_2FA → VOTING; the code itself is only validated by the authority
// together with the cast. After a code rejection in VOTING, SubmitCode
// replaces the rejected code.
func (session *Session) SubmitCode(code string) error {
	if !urna.ValidCodeSyntax(code) {
		return ErrInvalidCode
	}

	session.mu.Lock()
	if session.status == StatusVoting {
		if err := session.operable(StatusVoting); err != nil {
			session.mu.Unlock()
			return err
		}
		session.code = code
		session.mu.Unlock()
		return nil
	}
	if err := session.operable(StatusAwaitingSecondFactor); err != nil {
		session.mu.Unlock()
		return err
	}
	session.code = code
	session.status = StatusVoting
	session.stopCountdown()
	fetch := session.ballot == nil
	if fetch {
		session.inflight = true
	}
	session.mu.Unlock()

	session.handler.StatusUpdate(StatusAwaitingSecondFactor, StatusVoting)
	if fetch {
		go session.fetchBallot()
	}
	return nil
}

// Select highlights a choice on the ballot. May be called any number of
// times while in VOTING; generates no network traffic.
func (session *Session) Select(number int) error {
	session.mu.Lock()
	defer session.mu.Unlock()
	if err := session.operable(StatusVoting); err != nil {
		return err
	}
	if session.ballot == nil {
		return ErrInvalidOperation
	}
	if _, ok := session.ballot.Choice(number); !ok {
		return ErrUnknownChoice
	}
	session.selection = number
	session.selected = true
	return nil
}

// Cast irrevocably submits the selection together with the pending code. The
// selection is immutable from the moment the request is sent. Returns
// immediately; the outcome arrives through the handler. Cast is never
// re-issued automatically: a transport failure leaves the commit status
// unknown and blocks the session.
func (session *Session) Cast() error {
	session.mu.Lock()
	if err := session.operable(StatusVoting); err != nil {
		session.mu.Unlock()
		return err
	}
	if !session.selected {
		session.mu.Unlock()
		return ErrNoSelection
	}
	if session.code == "" {
		session.mu.Unlock()
		return ErrNoCode
	}
	session.inflight = true
	request := &urna.CastRequest{
		Token:     session.token,
		Code:      session.code,
		Selection: session.selection,
	}
	session.mu.Unlock()

	go session.cast(request)
	return nil
}

// operable checks, with the lock held, that an operation for the given state
// may proceed.
func (session *Session) operable(expected Status) error {
	switch {
	case session.disposed, session.status.Terminal():
		return ErrSessionDone
	case session.inflight:
		return ErrBusy
	case session.status != expected:
		return ErrInvalidOperation
	}
	return nil
}

// checkEligibility is the entry action of CHECKING.
func (session *Session) checkEligibility() {
	var response urna.EligibilityResponse
	err := session.transport.Post("eligibility", &response, &urna.EligibilityRequest{Token: session.token})

	session.mu.Lock()
	if session.disposed || session.status != StatusChecking {
		session.mu.Unlock()
		return
	}
	if err != nil {
		serr := err.(*urna.SessionError)
		session.logFailure("eligibility", serr)
		session.fail(urna.ClassifySessionError(serr, urna.BlockNetworkFailure, urna.BlockAdministrative))
		return
	}
	if response.Voter == nil {
		session.fail(urna.BlockNetworkFailure)
		return
	}
	voter := response.Voter
	voter.Token = session.token
	voter.NetworkAddress = response.NetworkAddress
	session.voter = voter
	session.status = StatusCaptcha
	session.mu.Unlock()

	session.handler.StatusUpdate(StatusChecking, StatusCaptcha)
	session.handler.EligibilityDone(voter)
}

func (session *Session) issueCode() {
	var response urna.CodeResponse
	err := session.transport.PostOnce("code", &response, &urna.CodeRequest{Token: session.token})

	session.mu.Lock()
	if session.disposed || session.status != StatusReady {
		session.mu.Unlock()
		return
	}
	session.inflight = false
	if err != nil {
		serr := err.(*urna.SessionError)
		session.logFailure("code issuance", serr)
		session.fail(urna.ClassifySessionError(serr, urna.BlockNetworkFailure, urna.BlockAdministrative))
		return
	}
	now := time.Now()
	window := &urna.SecondFactorWindow{
		IssuedAt:          now,
		ExpiresAt:         now.Add(session.windowValidity),
		AttemptsRemaining: response.AttemptsRemaining,
	}
	session.window = window
	session.status = StatusAwaitingSecondFactor
	session.startCountdown()
	session.mu.Unlock()

	session.handler.StatusUpdate(StatusReady, StatusAwaitingSecondFactor)
	session.handler.SecondFactorIssued(window)
}

func (session *Session) fetchBallot() {
	var response urna.BallotResponse
	err := session.transport.Get("ballot", &response)

	session.mu.Lock()
	if session.disposed || session.status != StatusVoting {
		session.mu.Unlock()
		return
	}
	session.inflight = false
	if err != nil {
		serr := err.(*urna.SessionError)
		session.logFailure("ballot fetch", serr)
		session.fail(urna.ClassifySessionError(serr, urna.BlockNetworkFailure, urna.BlockAdministrative))
		return
	}
	ballot := &urna.Ballot{Choices: response.Choices}
	if err := ballot.Validate(); err != nil {
		session.logFailure("ballot fetch", &urna.SessionError{ErrorType: urna.ErrorServerResponse, Err: err})
		session.fail(urna.BlockNetworkFailure)
		return
	}
	session.ballot = ballot
	session.mu.Unlock()

	session.handler.BallotAvailable(ballot)
}

func (session *Session) cast(request *urna.CastRequest) {
	var response urna.CastResponse
	err := session.transport.PostOnce("cast", &response, request)

	session.mu.Lock()
	if session.disposed || session.status != StatusVoting {
		session.mu.Unlock()
		return
	}
	session.inflight = false
	if err != nil {
		serr := err.(*urna.SessionError)
		session.logFailure("cast", serr)
		session.settleRejectedCast(serr)
		return
	}
	receipt := &urna.Receipt{Hash: response.Hash, Timestamp: response.Timestamp}
	session.receipt = receipt
	session.status = StatusReceipt
	session.stopCountdown()
	session.mu.Unlock()

	session.handler.StatusUpdate(StatusVoting, StatusReceipt)
	session.handler.Success(receipt)
}

// settleRejectedCast decides, with the lock held, between the one retryable
// error of the whole protocol (a code rejection with attempts left) and a
// terminal cast failure. A transport failure during cast means the commit
// status is unknown; that ambiguity is in the block message shown verbatim
// to the voter.
func (session *Session) settleRejectedCast(serr *urna.SessionError) {
	if serr.ErrorType != urna.ErrorApi || serr.RemoteError == nil {
		session.fail(urna.BlockFatalCast)
		return
	}

	switch serr.RemoteError.Code() {
	case urna.CodeCodeInvalid, urna.CodeCodeExpired:
		attempts := 0
		if serr.RemoteError.AttemptsRemaining != nil {
			attempts = *serr.RemoteError.AttemptsRemaining
		}
		if attempts <= 0 {
			if session.window != nil && session.window.Expired(time.Now()) {
				session.fail(urna.BlockTimeout)
			} else {
				session.fail(urna.BlockAdministrative)
			}
			return
		}
		session.window.AttemptsRemaining = attempts
		session.code = ""
		session.mu.Unlock()
		session.handler.CodeRejected(attempts)
	case urna.CodeAttemptsExhausted:
		if session.window != nil && session.window.Expired(time.Now()) {
			session.fail(urna.BlockTimeout)
		} else {
			session.fail(urna.BlockAdministrative)
		}
	default:
		session.fail(urna.BlockFatalCast)
	}
}

// fail transitions to BLOCKED. Assumes the lock is held and releases it.
func (session *Session) fail(category urna.BlockCategory) {
	old := session.status
	block := urna.NewBlock(category)
	session.block = block
	session.status = StatusBlocked
	session.inflight = false
	session.stopCountdown()
	session.mu.Unlock()

	session.handler.StatusUpdate(old, StatusBlocked)
	session.handler.Blocked(block)
}

// startCountdown starts the per-second countdown of AWAITING_2FA. Assumes
// the lock is held.
func (session *Session) startCountdown() {
	stop := make(chan struct{})
	session.countdownStop = stop
	go session.countdown(session.window, stop)
}

// stopCountdown invalidates any running countdown goroutine. Assumes the
// lock is held. Called on every path leaving AWAITING_2FA and on Dismiss, so
// a stale timer can never fire a transition on a superseded state.
func (session *Session) stopCountdown() {
	if session.countdownStop != nil {
		close(session.countdownStop)
		session.countdownStop = nil
	}
}

func (session *Session) countdown(window *urna.SecondFactorWindow, stop chan struct{}) {
	ticker := time.NewTicker(session.tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case now := <-ticker.C:
			session.mu.Lock()
			if session.disposed || session.countdownStop != stop {
				session.mu.Unlock()
				return
			}
			left := window.Remaining(now)
			if left == 0 {
				// Expiry in AWAITING_2FA is decided purely client-side,
				// without any authority call.
				session.countdownStop = nil
				session.fail(urna.BlockTimeout)
				return
			}
			session.mu.Unlock()
			session.handler.CountdownTick(left)
		}
	}
}

func (session *Session) logFailure(call string, serr *urna.SessionError) {
	urna.Logger.WithField("call", call).Warnf("authority call failed: %s", serr.Error())
}
