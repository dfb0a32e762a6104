package urnaclient

import (
	urna "github.com/votoseguro/urnago"
)

// A Handler contains callbacks through which a Session communicates with the
// user interface. All callbacks are invoked from the session's goroutines,
// never while the session's internal lock is held, so a handler may call
// back into the session.
type Handler interface {
	// StatusUpdate is called on every state transition.
	StatusUpdate(oldStatus, newStatus Status)

	// EligibilityDone is called when the eligibility check passed and the
	// session entered CAPTCHA. The voter identity is immutable from here on.
	EligibilityDone(voter *urna.VoterIdentity)

	// SecondFactorIssued is called when the authority issued a one-time code
	// and the session entered AWAITING_2FA.
	SecondFactorIssued(window *urna.SecondFactorWindow)

	// CountdownTick is called every second while the session is in
	// AWAITING_2FA, with the whole seconds left until the window expires.
	CountdownTick(secondsLeft int)

	// BallotAvailable is called once per session, when the ballot has been
	// fetched after entering VOTING.
	BallotAvailable(ballot *urna.Ballot)

	// CodeRejected is called when a cast was rejected because of the
	// submitted code while attempts remain. The session stays in VOTING; the
	// voter must submit a code again before the next cast.
	CodeRejected(attemptsRemaining int)

	// Success is called when the vote was committed and the session entered
	// RECEIPT.
	Success(receipt *urna.Receipt)

	// Blocked is called when the session entered BLOCKED. The block carries
	// the voter-facing title and message for its category.
	Blocked(block *urna.Block)
}
