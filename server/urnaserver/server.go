// Package urnaserver implements a reference voting authority: the external
// service of record for eligibility, second-factor codes, ballot content and
// vote commitment that urnaclient sessions talk to.
package urnaserver

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-co-op/gocron/v2"
	"github.com/go-errors/errors"
	"github.com/sirupsen/logrus"

	urna "github.com/votoseguro/urnago"
	"github.com/votoseguro/urnago/server"
)

// Server is a reference voting authority.
type Server struct {
	conf      *server.Configuration
	registry  *Registry
	sessions  sessionStore
	scheduler gocron.Scheduler
}

// New creates a Server from the given configuration.
func New(conf *server.Configuration) (*Server, error) {
	if err := conf.Check(); err != nil {
		return nil, err
	}

	registry, err := OpenRegistry(conf.DBPath)
	if err != nil {
		return nil, err
	}

	s := &Server{conf: conf, registry: registry}
	switch conf.StoreType {
	case server.StoreTypeRedis:
		s.sessions = newRedisSessionStore(conf)
	default:
		s.sessions = newMemorySessionStore(conf)
	}

	s.scheduler, err = gocron.NewScheduler()
	if err != nil {
		_ = registry.Close()
		return nil, errors.Wrap(err, 0)
	}
	_, err = s.scheduler.NewJob(
		gocron.DurationJob(10*time.Second),
		gocron.NewTask(s.sessions.deleteExpired),
	)
	if err != nil {
		_ = registry.Close()
		return nil, errors.Wrap(err, 0)
	}
	s.scheduler.Start()

	return s, nil
}

// Stop shuts the server down.
func (s *Server) Stop() {
	if err := s.scheduler.Shutdown(); err != nil {
		s.conf.Logger.Warn("failed to stop scheduler: ", err.Error())
	}
	s.sessions.stop()
	if err := s.registry.Close(); err != nil {
		s.conf.Logger.Warn("failed to close registry: ", err.Error())
	}
}

// Registry exposes the member registry, for seeding and administration.
func (s *Server) Registry() *Registry {
	return s.registry
}

// Handler returns the HTTP handler implementing the authority protocol.
func (s *Server) Handler() http.Handler {
	router := chi.NewRouter()
	router.Use(cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
	}).Handler)
	if s.conf.Verbose >= 1 {
		router.Use(server.LogMiddleware("urnaserver"))
	}

	router.Post("/session", s.handleNewSession)
	router.Post("/eligibility", s.handleEligibility)
	router.Post("/code", s.handleCode)
	router.Get("/ballot", s.handleBallot)
	router.Post("/cast", s.handleCast)
	return router
}

// handleNewSession mints a session token for an authenticated member. In a
// deployment this sits behind the portal's login; the endpoint stands in for
// that collaborator.
func (s *Server) handleNewSession(w http.ResponseWriter, r *http.Request) {
	var request struct {
		MemberID string `json:"memberId"`
	}
	if err := server.ParseBody(r, &request); err != nil || request.MemberID == "" {
		server.WriteError(w, server.ErrorMalformedInput, "missing memberId")
		return
	}
	member, err := s.registry.Member(request.MemberID)
	if err != nil {
		server.WriteError(w, server.ErrorInternal, err.Error())
		return
	}
	if member == nil {
		server.WriteError(w, server.ErrorInvalidRecord, "no membership record")
		return
	}
	token, err := s.mintSessionToken(member.ID)
	if err != nil {
		server.WriteError(w, server.ErrorInternal, err.Error())
		return
	}
	session := &sessionData{Token: token, MemberID: member.ID, LastActive: time.Now()}
	if err = s.sessions.add(session); err != nil {
		server.WriteError(w, server.ErrorInternal, err.Error())
		return
	}
	server.WriteJson(w, map[string]string{"status": "ok", "sessionToken": token})
}

// session resolves and authenticates the session for a token, or writes the
// appropriate error and returns nil.
func (s *Server) session(w http.ResponseWriter, token string) *sessionData {
	memberID, err := s.verifySessionToken(token)
	if err != nil {
		server.WriteError(w, server.ErrorSessionUnknown, "invalid session token")
		return nil
	}
	session, err := s.sessions.get(token)
	if err != nil {
		server.WriteError(w, server.ErrorInternal, err.Error())
		return nil
	}
	if session == nil || session.MemberID != memberID {
		server.WriteError(w, server.ErrorSessionUnknown, "no such session")
		return nil
	}
	return session
}

func (s *Server) handleEligibility(w http.ResponseWriter, r *http.Request) {
	var request urna.EligibilityRequest
	if err := server.ParseBody(r, &request); err != nil {
		server.WriteError(w, server.ErrorMalformedInput, "unparsable request")
		return
	}
	session := s.session(w, request.Token)
	if session == nil {
		return
	}

	member, err := s.registry.Member(session.MemberID)
	if err != nil {
		server.WriteError(w, server.ErrorInternal, err.Error())
		return
	}
	if member == nil {
		server.WriteError(w, server.ErrorInvalidRecord, "no membership record")
		return
	}
	receipt, err := s.registry.Receipt(member.ID)
	if err != nil {
		server.WriteError(w, server.ErrorInternal, err.Error())
		return
	}
	if receipt != nil {
		server.WriteError(w, server.ErrorAlreadyVoted, "a vote was already registered for this identity")
		return
	}
	active, err := s.sessions.activeByMember(member.ID)
	if err != nil {
		server.WriteError(w, server.ErrorInternal, err.Error())
		return
	}
	if active != nil && active.Token != session.Token {
		server.WriteError(w, server.ErrorSessionConflict, "a duplicate-session is already active for this identity")
		return
	}
	if !validNationalID(member.NationalID) {
		server.WriteError(w, server.ErrorInvalidRecord, "identity record failed validation (invalid-id)")
		return
	}
	if !member.Eligible {
		server.WriteError(w, server.ErrorBlocked, "participation denied")
		return
	}

	session.Active = true
	session.LastActive = time.Now()
	if err = s.sessions.update(session); err != nil {
		server.WriteError(w, server.ErrorInternal, err.Error())
		return
	}

	s.conf.Logger.WithFields(logrus.Fields{"member": member.ID}).Info("eligibility approved")
	server.WriteJson(w, &urna.EligibilityResponse{
		Status: "ok",
		Voter: &urna.VoterIdentity{
			Name:     member.Name,
			MaskedID: maskNationalID(member.NationalID),
		},
		NetworkAddress: remoteAddress(r),
	})
}

func (s *Server) handleCode(w http.ResponseWriter, r *http.Request) {
	var request urna.CodeRequest
	if err := server.ParseBody(r, &request); err != nil {
		server.WriteError(w, server.ErrorMalformedInput, "unparsable request")
		return
	}
	session := s.session(w, request.Token)
	if session == nil {
		return
	}
	if !session.Active || session.Done {
		server.WriteError(w, server.ErrorSessionUnknown, "session not verified")
		return
	}

	now := time.Now()
	reissueInterval := time.Duration(s.conf.CodeReissueInterval) * time.Second
	if !session.CodeIssuedAt.IsZero() && now.Sub(session.CodeIssuedAt) < reissueInterval {
		server.WriteError(w, server.ErrorRateLimited, "a code was issued recently")
		return
	}

	code, err := newSecondFactorCode()
	if err != nil {
		server.WriteError(w, server.ErrorInternal, err.Error())
		return
	}
	session.Code = code
	session.Window = urna.NewSecondFactorWindow(now, s.conf.CodeAttempts)
	session.CodeIssuedAt = now
	session.LastActive = now
	if err = s.sessions.update(session); err != nil {
		server.WriteError(w, server.ErrorInternal, err.Error())
		return
	}

	// Out-of-band delivery (email) is a collaborator; the reference server
	// only logs the code.
	s.conf.Logger.WithFields(logrus.Fields{"member": session.MemberID, "code": code}).
		Debug("second-factor code issued")
	server.WriteJson(w, &urna.CodeResponse{Status: "ok", AttemptsRemaining: s.conf.CodeAttempts})
}

func (s *Server) handleBallot(w http.ResponseWriter, r *http.Request) {
	session := s.session(w, bearerToken(r))
	if session == nil {
		return
	}
	if !session.Active || session.Done {
		server.WriteError(w, server.ErrorSessionUnknown, "session not verified")
		return
	}
	server.WriteJson(w, &urna.BallotResponse{Status: "ok", Choices: s.ballotChoices()})
}

func (s *Server) handleCast(w http.ResponseWriter, r *http.Request) {
	var request urna.CastRequest
	if err := server.ParseBody(r, &request); err != nil {
		server.WriteError(w, server.ErrorMalformedInput, "unparsable request")
		return
	}
	session := s.session(w, request.Token)
	if session == nil {
		return
	}
	if !session.Active || session.Done {
		server.WriteError(w, server.ErrorSessionUnknown, "session not verified")
		return
	}

	receipt, err := s.registry.Receipt(session.MemberID)
	if err != nil {
		server.WriteError(w, server.ErrorInternal, err.Error())
		return
	}
	if receipt != nil {
		server.WriteError(w, server.ErrorAlreadyVoted, "a vote was already registered for this identity")
		return
	}

	now := time.Now()
	switch {
	case session.Window == nil:
		server.WriteError(w, server.ErrorCodeExpired, "no code was issued for this session")
		return
	case session.Window.AttemptsRemaining <= 0:
		server.WriteError(w, server.ErrorAttemptsExhausted, "no code attempts remaining")
		return
	case session.Window.Expired(now):
		rerr := server.RemoteError(server.ErrorCodeExpired, "the code expired")
		rerr.AttemptsRemaining = &session.Window.AttemptsRemaining
		server.WriteRemoteError(w, rerr)
		return
	case request.Code != session.Code:
		// The authority, not the client, decrements the attempt counter.
		session.Window.AttemptsRemaining--
		session.LastActive = now
		if err = s.sessions.update(session); err != nil {
			server.WriteError(w, server.ErrorInternal, err.Error())
			return
		}
		rerr := server.RemoteError(server.ErrorCodeInvalid, "incorrect code")
		rerr.AttemptsRemaining = &session.Window.AttemptsRemaining
		server.WriteRemoteError(w, rerr)
		return
	}

	ballot := urna.Ballot{Choices: s.ballotChoices()}
	if _, ok := ballot.Choice(request.Selection); !ok {
		server.WriteError(w, server.ErrorSelectionInvalid, "selection not on the ballot")
		return
	}

	voteReceipt, err := newReceipt(session.MemberID, request.Selection, now)
	if err != nil {
		server.WriteError(w, server.ErrorInternal, err.Error())
		return
	}
	if err = s.registry.CommitVote(session.MemberID, request.Selection, voteReceipt); err != nil {
		if errors.Is(err, errReceiptExists) {
			server.WriteError(w, server.ErrorAlreadyVoted, "a vote was already registered for this identity")
		} else {
			server.WriteError(w, server.ErrorInternal, err.Error())
		}
		return
	}

	session.Done = true
	session.Window = nil
	session.Code = ""
	session.LastActive = now
	if err = s.sessions.update(session); err != nil {
		s.conf.Logger.Warn("failed to finalize session after cast: ", err.Error())
	}

	s.conf.Logger.WithFields(logrus.Fields{"member": session.MemberID}).Info("vote committed")
	server.WriteJson(w, &urna.CastResponse{
		Status:    "ok",
		Hash:      voteReceipt.Hash,
		Timestamp: voteReceipt.Timestamp,
	})
}

// ballotChoices returns the configured slates with the blank and null
// pseudo-choices appended, in ballot order.
func (s *Server) ballotChoices() []urna.Choice {
	choices := make([]urna.Choice, 0, len(s.conf.Slates)+2)
	choices = append(choices, s.conf.Slates...)
	choices = append(choices,
		urna.Choice{Number: urna.BlankVote, Name: "Blank vote"},
		urna.Choice{Number: urna.NullVote, Name: "Null vote"},
	)
	return choices
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	return strings.TrimPrefix(header, "Bearer ")
}

func remoteAddress(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		return strings.TrimSpace(strings.Split(forwarded, ",")[0])
	}
	return r.RemoteAddr
}
