package urnaserver

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-errors/errors"
	"github.com/go-redis/redis/v8"

	"github.com/votoseguro/urnago/server"
)

const (
	sessionLookupPrefix = "urna:session:"
	memberLookupPrefix  = "urna:member:"
)

// redisSessionStore keeps voting sessions in Redis, for authorities running
// more than one instance behind a load balancer. Expiry is delegated to
// Redis TTLs.
type redisSessionStore struct {
	client *redis.Client
	conf   *server.Configuration
}

func newRedisSessionStore(conf *server.Configuration) *redisSessionStore {
	return &redisSessionStore{
		conf: conf,
		client: redis.NewClient(&redis.Options{
			Addr:     conf.RedisSettings.Address,
			Password: conf.RedisSettings.Password,
			DB:       conf.RedisSettings.DB,
		}),
	}
}

func (s *redisSessionStore) get(token string) (*sessionData, error) {
	data, err := s.client.Get(context.Background(), sessionLookupPrefix+token).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, 0)
	}
	session := &sessionData{}
	if err = json.Unmarshal([]byte(data), session); err != nil {
		return nil, errors.Wrap(err, 0)
	}
	if session.expired(time.Now()) {
		return nil, nil
	}
	return session, nil
}

func (s *redisSessionStore) activeByMember(memberID string) (*sessionData, error) {
	token, err := s.client.Get(context.Background(), memberLookupPrefix+memberID).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, 0)
	}
	session, err := s.get(token)
	if err != nil {
		return nil, err
	}
	if session == nil || !session.Active || session.Done {
		return nil, nil
	}
	return session, nil
}

func (s *redisSessionStore) add(session *sessionData) error {
	return s.write(session)
}

func (s *redisSessionStore) update(session *sessionData) error {
	if err := s.write(session); err != nil {
		return err
	}
	if session.Active {
		err := s.client.Set(
			context.Background(), memberLookupPrefix+session.MemberID, session.Token, maxSessionLifetime,
		).Err()
		if err != nil {
			return errors.Wrap(err, 0)
		}
	}
	return nil
}

func (s *redisSessionStore) write(session *sessionData) error {
	data, err := json.Marshal(session)
	if err != nil {
		return errors.Wrap(err, 0)
	}
	err = s.client.Set(context.Background(), sessionLookupPrefix+session.Token, data, maxSessionLifetime).Err()
	if err != nil {
		return errors.Wrap(err, 0)
	}
	return nil
}

func (s *redisSessionStore) deleteExpired() {
	// nop: Redis expires keys by TTL
}

func (s *redisSessionStore) stop() {
	if err := s.client.Close(); err != nil {
		s.conf.Logger.Warn("failed to close redis client: ", err.Error())
	}
}
