// SPDX-FileCopyrightText: Copyright (C) 2026 Kauki Labs
// SPDX-License-Identifier: AGPL-3.0-only

// Package tickets implements the proof-of-relay accounting engine: issuing
// tickets on outgoing channels, validating tickets earned on incoming
// channels, and the persistent ledger that tracks every ticket from
// acceptance through acknowledgement to settlement.
package tickets

import (
	"encoding/binary"
	"fmt"
	"path/filepath"

	"github.com/fxamacker/cbor/v2"
	bolt "go.etcd.io/bbolt"
	"gopkg.in/op/go-logging.v1"

	"github.com/kauki-labs/hoprnet/core/log"
	"github.com/kauki-labs/hoprnet/types"
)

const (
	metadataBucket   = "metadata"
	pendingBucket    = "pending"
	unredeemedBucket = "unredeemed"
	statsBucket      = "stats"
	floorsBucket     = "floors"
	issuanceBucket   = "issuance"

	versionKey = "version"

	ledgerVersion = 0

	dbFile = "tickets.db"
)

// Acknowledged is a ticket whose challenge has been resolved by the next
// hop's acknowledgement.  Only acknowledged tickets count toward the
// unredeemed totals and only acknowledged tickets can be aggregated or
// redeemed.
type Acknowledged struct {
	Ticket   types.Ticket
	Response [32]byte
}

// IsWinning reports whether the ticket pays out under its own response.
func (a *Acknowledged) IsWinning() bool {
	return a.Ticket.IsWinning(a.Response)
}

// Key returns the ledger ordering key: channel, then epoch, then index,
// all big-endian so the natural bucket order is the redemption order.
func (a *Acknowledged) Key() []byte {
	return ticketKey(a.Ticket.ChannelID, a.Ticket.Epoch, a.Ticket.Index)
}

func ticketKey(id types.ChannelID, epoch uint32, index uint64) []byte {
	k := make([]byte, types.ChannelIDSize+4+8)
	copy(k, id[:])
	binary.BigEndian.PutUint32(k[types.ChannelIDSize:], epoch)
	binary.BigEndian.PutUint64(k[types.ChannelIDSize+4:], index)
	return k
}

func chanEpochKey(id types.ChannelID, epoch uint32) []byte {
	k := make([]byte, types.ChannelIDSize+4)
	copy(k, id[:])
	binary.BigEndian.PutUint32(k[types.ChannelIDSize:], epoch)
	return k
}

// ArchiveSink receives a copy of every settled or rejected ticket for
// external accounting.  Sink failures are logged and never block
// settlement.
type ArchiveSink interface {
	RecordTicket(t *types.Ticket, outcome string) error
}

// Outcome labels passed to an ArchiveSink.
const (
	ArchivedRedeemed  = "redeemed"
	ArchivedNeglected = "neglected"
	ArchivedRejected  = "rejected"
)

// PendingWatch observes the lifetime of pending tickets so their
// acknowledgement can be deadlined.
type PendingWatch interface {
	Track(challenge [32]byte)
	Cancel(challenge [32]byte)
}

// Ledger is the durable per-node ticket store.  All mutations are applied
// in single bbolt transactions so counters and ticket state can never
// drift apart, even across a crash.
type Ledger struct {
	db  *bolt.DB
	log *logging.Logger

	archive ArchiveSink
	watch   PendingWatch
}

// SetArchive attaches an archive sink.  Attach before traffic flows; the
// field is not guarded.
func (l *Ledger) SetArchive(sink ArchiveSink) {
	l.archive = sink
}

// SetPendingWatch attaches a pending ticket watcher.  Attach before
// traffic flows; the field is not guarded.
func (l *Ledger) SetPendingWatch(w PendingWatch) {
	l.watch = w
}

func (l *Ledger) archiveTicket(t *types.Ticket, outcome string) {
	if l.archive == nil {
		return
	}
	if err := l.archive.RecordTicket(t, outcome); err != nil {
		l.log.Warningf("archive of %s ticket failed: %v", outcome, err)
	}
}

func (l *Ledger) watchTrack(challenge [32]byte) {
	if l.watch != nil {
		l.watch.Track(challenge)
	}
}

func (l *Ledger) watchCancel(challenge [32]byte) {
	if l.watch != nil {
		l.watch.Cancel(challenge)
	}
}

// NewLedger opens (or creates) the ticket store under dataDir.
func NewLedger(dataDir string, logBackend *log.Backend) (*Ledger, error) {
	l := &Ledger{
		log: logBackend.GetLogger("tickets"),
	}

	var err error
	l.db, err = bolt.Open(filepath.Join(dataDir, dbFile), 0600, nil)
	if err != nil {
		return nil, err
	}

	if err = l.db.Update(func(tx *bolt.Tx) error {
		mBkt, err := tx.CreateBucketIfNotExists([]byte(metadataBucket))
		if err != nil {
			return err
		}
		for _, n := range []string{pendingBucket, unredeemedBucket, statsBucket, floorsBucket, issuanceBucket} {
			if _, err = tx.CreateBucketIfNotExists([]byte(n)); err != nil {
				return err
			}
		}
		if b := mBkt.Get([]byte(versionKey)); b != nil {
			if len(b) != 1 || b[0] != ledgerVersion {
				return fmt.Errorf("tickets: incompatible ledger version: %d", uint(b[0]))
			}
			return nil
		}
		return mBkt.Put([]byte(versionKey), []byte{ledgerVersion})
	}); err != nil {
		l.db.Close()
		return nil, err
	}

	return l, nil
}

// Close flushes and closes the underlying store.
func (l *Ledger) Close() {
	l.db.Close()
}

// Accept records a validated incoming ticket as pending acknowledgement.
// The index floor and the cumulative claim check are enforced here, inside
// the same transaction that stores the ticket, so concurrent acceptances
// cannot slip past each other.  chainFloor is the settlement layer's
// ticket index for the channel, balance its current funding.
func (l *Ledger) Accept(t *types.Ticket, balance types.Balance, chainFloor uint64) error {
	err := l.db.Update(func(tx *bolt.Tx) error {
		pending := tx.Bucket([]byte(pendingBucket))
		if pending.Get(t.Challenge[:]) != nil {
			return types.ErrDuplicateTicketIndex
		}

		floors := tx.Bucket([]byte(floorsBucket))
		floor := chainFloor
		fk := chanEpochKey(t.ChannelID, t.Epoch)
		if b := floors.Get(fk); len(b) == 8 {
			if local := binary.BigEndian.Uint64(b); local > floor {
				floor = local
			}
		}
		if t.Index < floor {
			return types.ErrDuplicateTicketIndex
		}

		outstanding, err := outstandingTx(tx, t.ChannelID, t.Epoch)
		if err != nil {
			return err
		}
		claim, err := outstanding.Add(t.Amount)
		if err != nil || claim > balance {
			return types.ErrExceedsChannelBalance
		}

		span := uint64(t.IndexSpan)
		if span == 0 {
			span = 1
		}
		var next [8]byte
		binary.BigEndian.PutUint64(next[:], t.Index+span)
		if err := floors.Put(fk, next[:]); err != nil {
			return err
		}

		enc, err := cbor.Marshal(t)
		if err != nil {
			return err
		}
		return pending.Put(t.Challenge[:], enc)
	})
	if err != nil {
		return err
	}
	l.watchTrack(t.Challenge)
	return nil
}

// RecordRejected adds a ticket that failed validation to the rejection
// counters.  Rejected tickets never touch the pending or unredeemed state.
func (l *Ledger) RecordRejected(t *types.Ticket) error {
	err := l.db.Update(func(tx *bolt.Tx) error {
		return statsUpdate(tx, t.ChannelID, func(s *types.TicketStatistics) {
			s.RejectedValue = s.RejectedValue.SatAdd(t.Amount)
			s.RejectedCount++
		})
	})
	if err != nil {
		return err
	}
	l.archiveTicket(t, ArchivedRejected)
	return nil
}

// Acknowledge resolves a pending ticket with the acknowledgement's
// response, promoting it to the unredeemed set.  An acknowledgement that
// matches no pending ticket returns ErrInvalidAcknowledgement.
func (l *Ledger) Acknowledge(ack *types.Acknowledgement) (*Acknowledged, error) {
	var acked *Acknowledged
	challenge := ack.Challenge()
	err := l.db.Update(func(tx *bolt.Tx) error {
		pending := tx.Bucket([]byte(pendingBucket))
		raw := pending.Get(challenge[:])
		if raw == nil {
			return types.ErrInvalidAcknowledgement
		}
		var t types.Ticket
		if err := cbor.Unmarshal(raw, &t); err != nil {
			return err
		}
		if err := pending.Delete(challenge[:]); err != nil {
			return err
		}

		acked = &Acknowledged{Ticket: t, Response: ack.Response}
		enc, err := cbor.Marshal(acked)
		if err != nil {
			return err
		}
		if err = tx.Bucket([]byte(unredeemedBucket)).Put(acked.Key(), enc); err != nil {
			return err
		}

		return statsUpdate(tx, t.ChannelID, func(s *types.TicketStatistics) {
			s.UnredeemedValue = s.UnredeemedValue.SatAdd(t.Amount)
			s.UnredeemedCount++
		})
	})
	if err != nil {
		return nil, err
	}
	l.watchCancel(challenge)
	return acked, nil
}

// Pending returns every ticket still awaiting acknowledgement.
func (l *Ledger) Pending() ([]types.Ticket, error) {
	var out []types.Ticket
	err := l.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(pendingBucket)).ForEach(func(_, v []byte) error {
			var t types.Ticket
			if err := cbor.Unmarshal(v, &t); err != nil {
				return err
			}
			out = append(out, t)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ExpirePending neglects a pending ticket whose acknowledgement never
// arrived, releasing the channel capacity its claim held.  A challenge
// that is no longer pending is a no-op.
func (l *Ledger) ExpirePending(challenge [32]byte) (types.Balance, error) {
	var expired *types.Ticket
	err := l.db.Update(func(tx *bolt.Tx) error {
		pending := tx.Bucket([]byte(pendingBucket))
		raw := pending.Get(challenge[:])
		if raw == nil {
			return nil
		}
		var t types.Ticket
		if err := cbor.Unmarshal(raw, &t); err != nil {
			return err
		}
		if err := pending.Delete(challenge[:]); err != nil {
			return err
		}
		expired = &t
		return statsUpdate(tx, t.ChannelID, func(s *types.TicketStatistics) {
			s.NeglectedValue = s.NeglectedValue.SatAdd(t.Amount)
			s.NeglectedCount++
		})
	})
	if err != nil {
		return 0, err
	}
	if expired == nil {
		return 0, nil
	}
	l.archiveTicket(expired, ArchivedNeglected)
	return expired.Amount, nil
}

// UnredeemedFor returns the acknowledged tickets for one channel and
// epoch in index order.
func (l *Ledger) UnredeemedFor(id types.ChannelID, epoch uint32) ([]Acknowledged, error) {
	var out []Acknowledged
	err := l.db.View(func(tx *bolt.Tx) error {
		prefix := chanEpochKey(id, epoch)
		c := tx.Bucket([]byte(unredeemedBucket)).Cursor()
		for k, v := c.Seek(prefix); k != nil && len(k) >= len(prefix) && string(k[:len(prefix)]) == string(prefix); k, v = c.Next() {
			var a Acknowledged
			if err := cbor.Unmarshal(v, &a); err != nil {
				return err
			}
			out = append(out, a)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// TicketsFor returns every acknowledged ticket held against a channel,
// across all epochs, in epoch then index order.
func (l *Ledger) TicketsFor(id types.ChannelID) ([]types.Ticket, error) {
	var out []types.Ticket
	err := l.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket([]byte(unredeemedBucket)).Cursor()
		for k, v := c.Seek(id[:]); k != nil && len(k) >= types.ChannelIDSize && string(k[:types.ChannelIDSize]) == string(id[:]); k, v = c.Next() {
			var a Acknowledged
			if err := cbor.Unmarshal(v, &a); err != nil {
				return err
			}
			out = append(out, a.Ticket)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Outstanding returns the total value of claims already accepted against
// a channel epoch: pending tickets plus acknowledged-but-unsettled ones.
func (l *Ledger) Outstanding(id types.ChannelID, epoch uint32) (types.Balance, error) {
	var total types.Balance
	err := l.db.View(func(tx *bolt.Tx) error {
		var err error
		total, err = outstandingTx(tx, id, epoch)
		return err
	})
	return total, err
}

func outstandingTx(tx *bolt.Tx, id types.ChannelID, epoch uint32) (types.Balance, error) {
	var total types.Balance

	prefix := chanEpochKey(id, epoch)
	c := tx.Bucket([]byte(unredeemedBucket)).Cursor()
	for k, v := c.Seek(prefix); k != nil && len(k) >= len(prefix) && string(k[:len(prefix)]) == string(prefix); k, v = c.Next() {
		var a Acknowledged
		if err := cbor.Unmarshal(v, &a); err != nil {
			return 0, err
		}
		total = total.SatAdd(a.Ticket.Amount)
	}

	// Pending tickets are keyed by challenge, so filter a full scan.  The
	// pending set only ever holds tickets for packets still in flight.
	err := tx.Bucket([]byte(pendingBucket)).ForEach(func(_, v []byte) error {
		var t types.Ticket
		if err := cbor.Unmarshal(v, &t); err != nil {
			return err
		}
		if t.ChannelID == id && t.Epoch == epoch {
			total = total.SatAdd(t.Amount)
		}
		return nil
	})
	return total, err
}

// ReplaceWithAggregate atomically retires the given acknowledged tickets
// and stores their aggregate in their place.  The unredeemed value is
// unchanged by construction; only the count drops.
func (l *Ledger) ReplaceWithAggregate(agg *Acknowledged, retired []Acknowledged) error {
	return l.db.Update(func(tx *bolt.Tx) error {
		unredeemed := tx.Bucket([]byte(unredeemedBucket))
		for i := range retired {
			if err := unredeemed.Delete(retired[i].Key()); err != nil {
				return err
			}
		}
		enc, err := cbor.Marshal(agg)
		if err != nil {
			return err
		}
		if err = unredeemed.Put(agg.Key(), enc); err != nil {
			return err
		}
		return statsUpdate(tx, agg.Ticket.ChannelID, func(s *types.TicketStatistics) {
			s.UnredeemedCount -= uint64(len(retired)) - 1
		})
	})
}

// Settle removes an acknowledged ticket from the unredeemed set.  A
// redeemed ticket's value moves to the redeemed counters; a losing
// ticket's value is neglected, leaving unredeemed without a matching
// redeemed increase.
func (l *Ledger) Settle(a *Acknowledged, redeemed bool) error {
	err := l.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket([]byte(unredeemedBucket)).Delete(a.Key()); err != nil {
			return err
		}
		return statsUpdate(tx, a.Ticket.ChannelID, func(s *types.TicketStatistics) {
			s.UnredeemedValue = s.UnredeemedValue.SatSub(a.Ticket.Amount)
			if s.UnredeemedCount > 0 {
				s.UnredeemedCount--
			}
			if redeemed {
				s.RedeemedValue = s.RedeemedValue.SatAdd(a.Ticket.Amount)
				s.RedeemedCount++
				s.WinningCount++
			} else {
				s.NeglectedValue = s.NeglectedValue.SatAdd(a.Ticket.Amount)
				s.NeglectedCount++
			}
		})
	})
	if err != nil {
		return err
	}
	if redeemed {
		l.archiveTicket(&a.Ticket, ArchivedRedeemed)
	} else {
		l.archiveTicket(&a.Ticket, ArchivedNeglected)
	}
	return nil
}

// SweepChannel neglects every held ticket that can no longer settle:
// tickets from epochs other than currentEpoch, or all of them when the
// channel is closed (currentEpoch 0).  Returns the total value and count
// swept, covering both acknowledged and still-pending tickets.
func (l *Ledger) SweepChannel(id types.ChannelID, currentEpoch uint32) (types.Balance, int, error) {
	var (
		ackedValue, pendingValue types.Balance
		ackedCount, pendingCount int
		swept                    []types.Ticket
		droppedPending           [][32]byte
	)
	err := l.db.Update(func(tx *bolt.Tx) error {
		unredeemed := tx.Bucket([]byte(unredeemedBucket))
		c := unredeemed.Cursor()
		var stale []Acknowledged
		for k, v := c.Seek(id[:]); k != nil && len(k) >= types.ChannelIDSize && string(k[:types.ChannelIDSize]) == string(id[:]); k, v = c.Next() {
			var a Acknowledged
			if err := cbor.Unmarshal(v, &a); err != nil {
				return err
			}
			if currentEpoch != 0 && a.Ticket.Epoch == currentEpoch {
				continue
			}
			stale = append(stale, a)
		}
		for i := range stale {
			if err := unredeemed.Delete(stale[i].Key()); err != nil {
				return err
			}
			ackedValue = ackedValue.SatAdd(stale[i].Ticket.Amount)
			ackedCount++
			swept = append(swept, stale[i].Ticket)
		}

		pending := tx.Bucket([]byte(pendingBucket))
		var staleChallenges [][]byte
		if err := pending.ForEach(func(k, v []byte) error {
			var t types.Ticket
			if err := cbor.Unmarshal(v, &t); err != nil {
				return err
			}
			if t.ChannelID != id {
				return nil
			}
			if currentEpoch != 0 && t.Epoch == currentEpoch {
				return nil
			}
			staleChallenges = append(staleChallenges, append([]byte(nil), k...))
			pendingValue = pendingValue.SatAdd(t.Amount)
			pendingCount++
			swept = append(swept, t)
			droppedPending = append(droppedPending, t.Challenge)
			return nil
		}); err != nil {
			return err
		}
		for _, k := range staleChallenges {
			if err := pending.Delete(k); err != nil {
				return err
			}
		}

		if ackedCount == 0 && pendingCount == 0 {
			return nil
		}
		return statsUpdate(tx, id, func(s *types.TicketStatistics) {
			s.UnredeemedValue = s.UnredeemedValue.SatSub(ackedValue)
			if uint64(ackedCount) > s.UnredeemedCount {
				s.UnredeemedCount = 0
			} else {
				s.UnredeemedCount -= uint64(ackedCount)
			}
			s.NeglectedValue = s.NeglectedValue.SatAdd(ackedValue).SatAdd(pendingValue)
			s.NeglectedCount += uint64(ackedCount + pendingCount)
		})
	})
	if err != nil {
		return 0, 0, err
	}
	for _, c := range droppedPending {
		l.watchCancel(c)
	}
	for i := range swept {
		l.archiveTicket(&swept[i], ArchivedNeglected)
	}
	total := ackedValue.SatAdd(pendingValue)
	count := ackedCount + pendingCount
	if count > 0 {
		l.log.Noticef("channel %v: neglected %d stale tickets worth %v", id, count, total)
	}
	return total, count, nil
}

// NextIndex reserves the next outgoing ticket index for a channel epoch.
func (l *Ledger) NextIndex(id types.ChannelID, epoch uint32) (uint64, error) {
	var index uint64
	err := l.db.Update(func(tx *bolt.Tx) error {
		issuance := tx.Bucket([]byte(issuanceBucket))
		k := chanEpochKey(id, epoch)
		if b := issuance.Get(k); len(b) == 8 {
			index = binary.BigEndian.Uint64(b)
		}
		var next [8]byte
		binary.BigEndian.PutUint64(next[:], index+1)
		return issuance.Put(k, next[:])
	})
	return index, err
}

// StatsFor returns the accumulated statistics for one channel.
func (l *Ledger) StatsFor(id types.ChannelID) (types.TicketStatistics, error) {
	var s types.TicketStatistics
	err := l.db.View(func(tx *bolt.Tx) error {
		if raw := tx.Bucket([]byte(statsBucket)).Get(id[:]); raw != nil {
			return cbor.Unmarshal(raw, &s)
		}
		return nil
	})
	return s, err
}

// Stats returns the node-wide statistics, merged across every channel the
// node has ever earned tickets on.
func (l *Ledger) Stats() (types.TicketStatistics, error) {
	var total types.TicketStatistics
	err := l.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(statsBucket)).ForEach(func(_, v []byte) error {
			var s types.TicketStatistics
			if err := cbor.Unmarshal(v, &s); err != nil {
				return err
			}
			total.Merge(&s)
			return nil
		})
	})
	return total, err
}

func statsUpdate(tx *bolt.Tx, id types.ChannelID, fn func(*types.TicketStatistics)) error {
	bkt := tx.Bucket([]byte(statsBucket))
	var s types.TicketStatistics
	if raw := bkt.Get(id[:]); raw != nil {
		if err := cbor.Unmarshal(raw, &s); err != nil {
			return err
		}
	}
	fn(&s)
	enc, err := cbor.Marshal(&s)
	if err != nil {
		return err
	}
	return bkt.Put(id[:], enc)
}
