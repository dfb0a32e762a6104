package urnaserver

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/big"
	"regexp"
	"time"

	"github.com/go-errors/errors"
	"github.com/golang-jwt/jwt/v5"

	urna "github.com/votoseguro/urnago"
)

const sessionTokenValidity = 30 * time.Minute

// mintSessionToken returns a signed session token for the given member.
func (s *Server) mintSessionToken(memberID string) (string, error) {
	claims := jwt.RegisteredClaims{
		Subject:   memberID,
		IssuedAt:  jwt.NewNumericDate(time.Now()),
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(sessionTokenValidity)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(s.conf.TokenSecret))
	if err != nil {
		return "", errors.Wrap(err, 0)
	}
	return token, nil
}

// verifySessionToken checks the token signature and expiry and returns the
// member ID it was minted for.
func (s *Server) verifySessionToken(token string) (string, error) {
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return []byte(s.conf.TokenSecret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return "", err
	}
	if claims.Subject == "" {
		return "", errors.New("token has no subject")
	}
	return claims.Subject, nil
}

// newSecondFactorCode draws a uniform 6-digit code.
func newSecondFactorCode() (string, error) {
	max := big.NewInt(1)
	for i := 0; i < urna.SecondFactorLength; i++ {
		max.Mul(max, big.NewInt(10))
	}
	n, err := rand.Int(rand.Reader, max)
	if err != nil {
		return "", errors.Wrap(err, 0)
	}
	return fmt.Sprintf("%0*d", urna.SecondFactorLength, n), nil
}

var nationalIDPattern = regexp.MustCompile(`^[0-9]{11}$`)

// validNationalID checks the stored identity record's format. The authority
// rejects malformed records with INVALID_RECORD; the voter can fix them via
// the portal's profile-correction flow.
func validNationalID(id string) bool {
	return nationalIDPattern.MatchString(id)
}

// maskNationalID discloses only the first three and final two digits.
func maskNationalID(id string) string {
	if len(id) != 11 {
		return "***"
	}
	return fmt.Sprintf("%s.***.***-%s", id[:3], id[9:])
}

// newReceipt computes the proof-of-cast artifact: a commitment over the
// member, the selection, the cast instant and a random nonce. This is a
// plain hash commitment; a full cryptographic audit scheme is a separate
// system.
func newReceipt(memberID string, selection int, now time.Time) (*urna.Receipt, error) {
	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return nil, errors.Wrap(err, 0)
	}
	timestamp := now.UTC().Format(time.RFC3339)
	digest := sha256.Sum256([]byte(fmt.Sprintf("%s|%d|%s|%x", memberID, selection, timestamp, nonce)))
	return &urna.Receipt{
		Hash:      hex.EncodeToString(digest[:]),
		Timestamp: timestamp,
	}, nil
}
