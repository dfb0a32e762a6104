package urnaserver

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	urna "github.com/votoseguro/urnago"
	"github.com/votoseguro/urnago/server"
)

const maxSessionLifetime = 15 * time.Minute // after this a session is purged

// sessionData is the authority's view of one voting session.
type sessionData struct {
	Token    string `json:"token"`
	MemberID string `json:"memberId"`

	// set once the eligibility check passed; a second Active session for the
	// same member is a conflict
	Active bool `json:"active"`
	// set once a cast settled terminally; no further calls succeed
	Done bool `json:"done"`

	Code         string                   `json:"code,omitempty"`
	Window       *urna.SecondFactorWindow `json:"window,omitempty"`
	CodeIssuedAt time.Time                `json:"codeIssuedAt,omitempty"`

	LastActive time.Time `json:"lastActive"`
}

func (s *sessionData) expired(now time.Time) bool {
	return s.LastActive.Add(maxSessionLifetime).Before(now)
}

type sessionStore interface {
	get(token string) (*sessionData, error)
	// activeByMember returns the member's active, unfinished session, if any
	activeByMember(memberID string) (*sessionData, error)
	add(session *sessionData) error
	update(session *sessionData) error
	deleteExpired()
	stop()
}

type memorySessionStore struct {
	sync.RWMutex
	conf *server.Configuration

	sessions map[string]*sessionData
	byMember map[string]string
}

func newMemorySessionStore(conf *server.Configuration) *memorySessionStore {
	return &memorySessionStore{
		conf:     conf,
		sessions: map[string]*sessionData{},
		byMember: map[string]string{},
	}
}

func (s *memorySessionStore) get(token string) (*sessionData, error) {
	s.RLock()
	defer s.RUnlock()
	session := s.sessions[token]
	if session == nil || session.expired(time.Now()) {
		return nil, nil
	}
	copied := *session
	return &copied, nil
}

func (s *memorySessionStore) activeByMember(memberID string) (*sessionData, error) {
	s.RLock()
	defer s.RUnlock()
	token, ok := s.byMember[memberID]
	if !ok {
		return nil, nil
	}
	session := s.sessions[token]
	if session == nil || !session.Active || session.Done || session.expired(time.Now()) {
		return nil, nil
	}
	copied := *session
	return &copied, nil
}

func (s *memorySessionStore) add(session *sessionData) error {
	s.Lock()
	defer s.Unlock()
	copied := *session
	s.sessions[session.Token] = &copied
	return nil
}

func (s *memorySessionStore) update(session *sessionData) error {
	s.Lock()
	defer s.Unlock()
	copied := *session
	s.sessions[session.Token] = &copied
	if session.Active {
		s.byMember[session.MemberID] = session.Token
	}
	return nil
}

func (s *memorySessionStore) deleteExpired() {
	now := time.Now()
	s.Lock()
	defer s.Unlock()
	for token, session := range s.sessions {
		if session.expired(now) {
			s.conf.Logger.WithFields(logrus.Fields{"session": suffix(token)}).Info("deleting expired session")
			delete(s.sessions, token)
			if s.byMember[session.MemberID] == token {
				delete(s.byMember, session.MemberID)
			}
		}
	}
}

func (s *memorySessionStore) stop() {}

// suffix shortens a token for logging; whole session tokens never hit the logs.
func suffix(token string) string {
	if len(token) <= 8 {
		return token
	}
	return "..." + token[len(token)-8:]
}
