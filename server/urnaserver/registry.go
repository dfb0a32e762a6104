package urnaserver

import (
	"encoding/json"
	"path/filepath"

	"github.com/go-errors/errors"
	bolt "go.etcd.io/bbolt"

	urna "github.com/votoseguro/urnago"
	"github.com/votoseguro/urnago/internal/common"
)

var (
	membersBucket  = []byte("members")
	receiptsBucket = []byte("receipts")
	votesBucket    = []byte("votes")
)

// A Member is one entry of the member registry.
type Member struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	NationalID string `json:"nationalId"`
	Eligible   bool   `json:"eligible"`
}

// Registry is the authority's store of record: members, receipts, and cast
// votes, in a bbolt database. Receipts persist across restarts, which is
// what enforces the at-most-one-receipt invariant durably.
type Registry struct {
	db *bolt.DB
}

// OpenRegistry opens or creates the registry database at path.
func OpenRegistry(path string) (*Registry, error) {
	if err := common.EnsureDirectoryExists(filepath.Dir(path)); err != nil {
		return nil, err
	}
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, errors.Wrap(err, 0)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{membersBucket, receiptsBucket, votesBucket} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, 0)
	}
	return &Registry{db: db}, nil
}

func (r *Registry) Close() error {
	return r.db.Close()
}

// PutMember inserts or replaces a member.
func (r *Registry) PutMember(member *Member) error {
	return r.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(member)
		if err != nil {
			return err
		}
		return tx.Bucket(membersBucket).Put([]byte(member.ID), data)
	})
}

// Member returns the member with the given ID, or nil if not registered.
func (r *Registry) Member(id string) (*Member, error) {
	var member *Member
	err := r.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(membersBucket).Get([]byte(id))
		if data == nil {
			return nil
		}
		member = &Member{}
		return json.Unmarshal(data, member)
	})
	return member, err
}

// Receipt returns the member's receipt, or nil if none was ever issued.
func (r *Registry) Receipt(memberID string) (*urna.Receipt, error) {
	var receipt *urna.Receipt
	err := r.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(receiptsBucket).Get([]byte(memberID))
		if data == nil {
			return nil
		}
		receipt = &urna.Receipt{}
		return json.Unmarshal(data, receipt)
	})
	return receipt, err
}

// CommitVote stores the vote and the member's receipt in one transaction.
// It fails if the member already has a receipt, so a vote can never be
// committed twice even if two casts race.
func (r *Registry) CommitVote(memberID string, selection int, receipt *urna.Receipt) error {
	return r.db.Update(func(tx *bolt.Tx) error {
		receipts := tx.Bucket(receiptsBucket)
		if receipts.Get([]byte(memberID)) != nil {
			return errReceiptExists
		}
		receiptData, err := json.Marshal(receipt)
		if err != nil {
			return err
		}
		if err = receipts.Put([]byte(memberID), receiptData); err != nil {
			return err
		}
		// The vote is keyed by receipt hash, not member, so the tally does
		// not require the receipts bucket.
		voteData, err := json.Marshal(map[string]interface{}{
			"selection": selection,
			"timestamp": receipt.Timestamp,
		})
		if err != nil {
			return err
		}
		return tx.Bucket(votesBucket).Put([]byte(receipt.Hash), voteData)
	})
}

var errReceiptExists = errors.New("member already has a receipt")
