package urna

import (
	"regexp"
	"time"

	"github.com/go-errors/errors"
)

// Reserved pseudo-choice numbers. Every real slate has a positive number.
const (
	// BlankVote is the reserved number of the blank pseudo-choice.
	BlankVote = 0
	// NullVote is the sentinel number of the spoiled pseudo-choice;
	// it is never rendered as a slate.
	NullVote = -1
)

// Second-factor code parameters. The validity of a window is fixed by the
// protocol; the attempt ceiling is declared by the authority per session.
const (
	SecondFactorValidity = 120 * time.Second
	SecondFactorLength   = 6
)

var codePattern = regexp.MustCompile(`^[0-9]{6}$`)

// ValidCodeSyntax reports whether code is syntactically a second-factor
// code: exactly SecondFactorLength digits. It says nothing about whether the
// authority will accept it.
func ValidCodeSyntax(code string) bool {
	return codePattern.MatchString(code)
}

// VoterIdentity is the session credential together with the attributes the
// authority disclosed about its holder. It is obtained once per session from
// the eligibility check and immutable afterwards.
type VoterIdentity struct {
	// Token is the opaque session credential; never inspected client-side.
	Token          string `json:"-"`
	Name           string `json:"name"`
	MaskedID       string `json:"maskedId"`
	NetworkAddress string `json:"networkAddress"`
}

// A Choice is one selectable entry of a ballot: either a numbered slate or
// one of the two reserved pseudo-choices.
type Choice struct {
	Number      int    `json:"number"`
	Name        string `json:"name"`
	Lead        string `json:"lead,omitempty"`
	RunningMate string `json:"running_mate,omitempty"`
}

// Slate reports whether the choice is a real numbered slate, as opposed to
// the blank or null pseudo-choice.
func (c Choice) Slate() bool {
	return c.Number > 0
}

// A Ballot is the ordered set of choices of one election instance. It is
// fetched once per session and read-only afterwards.
type Ballot struct {
	Choices []Choice `json:"choices"`
}

// Validate checks the structural invariants of a ballot: at least one slate,
// no duplicate numbers, and no numbers outside the slate range other than
// the two reserved pseudo-choices.
func (b *Ballot) Validate() error {
	seen := map[int]bool{}
	slates := 0
	for _, choice := range b.Choices {
		if seen[choice.Number] {
			return errors.Errorf("duplicate choice number %d", choice.Number)
		}
		seen[choice.Number] = true
		switch {
		case choice.Number > 0:
			slates++
		case choice.Number == BlankVote, choice.Number == NullVote: // nop
		default:
			return errors.Errorf("invalid choice number %d", choice.Number)
		}
	}
	if slates == 0 {
		return errors.New("ballot contains no slates")
	}
	return nil
}

// Choice returns the choice with the given number, if the ballot has one.
func (b *Ballot) Choice(number int) (Choice, bool) {
	for _, choice := range b.Choices {
		if choice.Number == number {
			return choice, true
		}
	}
	return Choice{}, false
}

// A Receipt is the authority's proof of a committed vote: the terminal
// artifact of a successful session. It is only ever produced server-side.
type Receipt struct {
	Hash      string `json:"hash"`
	Timestamp string `json:"timestamp"`
}

// A SecondFactorWindow is the lifecycle of one issued second-factor code:
// created when the code is issued, dead once it expires or a cast attempt is
// settled terminally. AttemptsRemaining mirrors the authority's counter; the
// client never decrements it on its own.
type SecondFactorWindow struct {
	IssuedAt          time.Time `json:"issuedAt"`
	ExpiresAt         time.Time `json:"expiresAt"`
	AttemptsRemaining int       `json:"attemptsRemaining"`
}

// NewSecondFactorWindow returns a window opening now.
func NewSecondFactorWindow(now time.Time, attempts int) *SecondFactorWindow {
	return &SecondFactorWindow{
		IssuedAt:          now,
		ExpiresAt:         now.Add(SecondFactorValidity),
		AttemptsRemaining: attempts,
	}
}

// Remaining returns the whole seconds left until expiry, never negative.
func (w *SecondFactorWindow) Remaining(now time.Time) int {
	left := w.ExpiresAt.Sub(now)
	if left < 0 {
		return 0
	}
	return int(left / time.Second)
}

func (w *SecondFactorWindow) Expired(now time.Time) bool {
	return !now.Before(w.ExpiresAt)
}

// Wire messages of the four authority calls. Fields are the minimum the
// protocol requires; unknown extra fields are ignored on both sides.

type EligibilityRequest struct {
	Token string `json:"sessionToken"`
}

type EligibilityResponse struct {
	Status         string         `json:"status"`
	Voter          *VoterIdentity `json:"voter"`
	NetworkAddress string         `json:"networkAddress"`
}

type CodeRequest struct {
	Token string `json:"sessionToken"`
}

type CodeResponse struct {
	Status            string `json:"status"`
	AttemptsRemaining int    `json:"attemptsRemaining"`
}

type BallotResponse struct {
	Status  string   `json:"status"`
	Choices []Choice `json:"choices"`
}

type CastRequest struct {
	Token     string `json:"sessionToken"`
	Code      string `json:"code"`
	Selection int    `json:"selection"`
}

type CastResponse struct {
	Status    string `json:"status"`
	Hash      string `json:"hash"`
	Timestamp string `json:"timestamp"`
}
