// Package cache implements the fast-path mirror of the reward ledger:
// a bounded, synchronously committed key/value store that keeps a
// reward observable even when the durable store's transaction has not
// landed yet. Values pass through the encrypting adapter before they
// reach disk.
package cache

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/deroproject/graviton"

	"github.com/rsc-chain/mining-ledger/internal/logger"
	"github.com/rsc-chain/mining-ledger/internal/records"
)

const (
	rewardTreeName = "reward_mirror"
	stateTreeName  = "ledger_state"

	balanceStateKey = "wallet_balance"
	seqStateKey     = "next_seq"

	// DefaultCap bounds the mirror. Entries beyond the cap are evicted
	// oldest-first, but only once they are reflected in the balance.
	DefaultCap = 50
)

// entry is the stored envelope. Seq preserves insertion order across
// restarts so eviction can drop the oldest entries first.
type entry struct {
	Seq    uint64               `json:"seq"`
	Record records.RewardRecord `json:"record"`
}

// Cache is the graviton-backed fast-path mirror. Every write commits
// synchronously before returning.
type Cache struct {
	mu      sync.Mutex
	store   *graviton.Store
	cryptor *Cryptor
	cap     int
}

// Open opens (or creates) the cache at dbPath. cap <= 0 selects
// DefaultCap.
func Open(dbPath string, cryptor *Cryptor, capacity int) (*Cache, error) {
	store, err := graviton.NewDiskStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open cache store: %v", err)
	}
	return newCache(store, cryptor, capacity), nil
}

// OpenInMemory builds a memory-backed cache, used by tests.
func OpenInMemory(cryptor *Cryptor, capacity int) (*Cache, error) {
	store, err := graviton.NewMemStore()
	if err != nil {
		return nil, fmt.Errorf("failed to open memory cache store: %v", err)
	}
	return newCache(store, cryptor, capacity), nil
}

func newCache(store *graviton.Store, cryptor *Cryptor, capacity int) *Cache {
	if capacity <= 0 {
		capacity = DefaultCap
	}
	return &Cache{store: store, cryptor: cryptor, cap: capacity}
}

func (c *Cache) Cap() int { return c.cap }

// PutReward mirrors a reward under its id. The write is committed to
// disk before returning.
func (c *Cache) PutReward(r records.RewardRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	ss, err := c.store.LoadSnapshot(0)
	if err != nil {
		return fmt.Errorf("failed to load cache snapshot: %v", err)
	}
	rewardTree, err := ss.GetTree(rewardTreeName)
	if err != nil {
		return fmt.Errorf("failed to get reward tree: %v", err)
	}
	stateTree, err := ss.GetTree(stateTreeName)
	if err != nil {
		return fmt.Errorf("failed to get state tree: %v", err)
	}

	seq, err := c.nextSeq(stateTree)
	if err != nil {
		return err
	}

	sealed, err := c.sealEntry(entry{Seq: seq, Record: r})
	if err != nil {
		return err
	}
	if err := rewardTree.Put([]byte(r.ID), sealed); err != nil {
		return fmt.Errorf("failed to put reward %s: %v", r.ID, err)
	}

	if _, err := graviton.Commit(rewardTree, stateTree); err != nil {
		return fmt.Errorf("failed to commit reward %s: %v", r.ID, err)
	}
	return nil
}

// GetReward returns the mirrored reward for id, if present.
func (c *Cache) GetReward(id string) (records.RewardRecord, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rewardTree, err := c.tree(rewardTreeName)
	if err != nil {
		return records.RewardRecord{}, false, err
	}

	sealed, err := rewardTree.Get([]byte(id))
	if err != nil {
		// graviton reports missing keys as an error
		return records.RewardRecord{}, false, nil
	}

	e, err := c.openEntry(sealed)
	if err != nil {
		return records.RewardRecord{}, false, err
	}
	return e.Record, true, nil
}

// Rewards lists every mirrored reward in insertion order.
func (c *Cache) Rewards() ([]records.RewardRecord, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entries, err := c.loadEntries()
	if err != nil {
		return nil, err
	}

	rewards := make([]records.RewardRecord, 0, len(entries))
	for _, e := range entries {
		rewards = append(rewards, e.Record)
	}
	return rewards, nil
}

// UpdateReward rewrites a mirrored reward in place, keeping its
// insertion sequence.
func (c *Cache) UpdateReward(r records.RewardRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	rewardTree, err := c.tree(rewardTreeName)
	if err != nil {
		return err
	}

	sealed, err := rewardTree.Get([]byte(r.ID))
	if err != nil {
		return nil // not mirrored, nothing to update
	}
	e, err := c.openEntry(sealed)
	if err != nil {
		return err
	}
	e.Record = r

	resealed, err := c.sealEntry(e)
	if err != nil {
		return err
	}
	if err := rewardTree.Put([]byte(r.ID), resealed); err != nil {
		return fmt.Errorf("failed to update reward %s: %v", r.ID, err)
	}
	if _, err := graviton.Commit(rewardTree); err != nil {
		return fmt.Errorf("failed to commit reward update %s: %v", r.ID, err)
	}
	return nil
}

// RemoveReward deletes a mirrored reward.
func (c *Cache) RemoveReward(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	rewardTree, err := c.tree(rewardTreeName)
	if err != nil {
		return err
	}
	if err := rewardTree.Delete([]byte(id)); err != nil {
		return fmt.Errorf("failed to delete reward %s: %v", id, err)
	}
	if _, err := graviton.Commit(rewardTree); err != nil {
		return fmt.Errorf("failed to commit reward delete %s: %v", id, err)
	}
	return nil
}

// Trim evicts the oldest entries beyond the cap. Only entries for
// which evictable returns true may be dropped; a pending reward stays
// in the mirror no matter how old it is.
func (c *Cache) Trim(evictable func(records.RewardRecord) bool) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entries, err := c.loadEntries()
	if err != nil {
		return 0, err
	}
	excess := len(entries) - c.cap
	if excess <= 0 {
		return 0, nil
	}

	rewardTree, err := c.tree(rewardTreeName)
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, e := range entries {
		if removed >= excess {
			break
		}
		if !evictable(e.Record) {
			continue
		}
		if err := rewardTree.Delete([]byte(e.Record.ID)); err != nil {
			return removed, fmt.Errorf("failed to evict reward %s: %v", e.Record.ID, err)
		}
		removed++
	}

	if removed > 0 {
		if _, err := graviton.Commit(rewardTree); err != nil {
			return 0, fmt.Errorf("failed to commit eviction: %v", err)
		}
		logger.Info("Evicted", removed, "applied rewards from the fast-path cache")
	}
	return removed, nil
}

// Size reports the number of mirrored rewards.
func (c *Cache) Size() (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entries, err := c.loadEntries()
	if err != nil {
		return 0, err
	}
	return len(entries), nil
}

// SetBalance stores the balance scalar. Committed before returning so
// the mirror is never behind an acknowledged credit.
func (c *Cache) SetBalance(balance float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	stateTree, err := c.tree(stateTreeName)
	if err != nil {
		return err
	}

	sealed, err := c.cryptor.Seal([]byte(strconv.FormatFloat(balance, 'f', -1, 64)))
	if err != nil {
		return err
	}
	if err := stateTree.Put([]byte(balanceStateKey), sealed); err != nil {
		return fmt.Errorf("failed to put balance: %v", err)
	}
	if _, err := graviton.Commit(stateTree); err != nil {
		return fmt.Errorf("failed to commit balance: %v", err)
	}
	return nil
}

// CommitCredit writes the credited reward and the balance that now
// includes it in a single commit across both trees. A crash leaves
// neither or both on disk, never a balance counting a reward that
// still looks pending.
func (c *Cache) CommitCredit(r records.RewardRecord, balance float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	ss, err := c.store.LoadSnapshot(0)
	if err != nil {
		return fmt.Errorf("failed to load cache snapshot: %v", err)
	}
	rewardTree, err := ss.GetTree(rewardTreeName)
	if err != nil {
		return fmt.Errorf("failed to get reward tree: %v", err)
	}
	stateTree, err := ss.GetTree(stateTreeName)
	if err != nil {
		return fmt.Errorf("failed to get state tree: %v", err)
	}

	e := entry{Record: r}
	if sealed, err := rewardTree.Get([]byte(r.ID)); err == nil {
		existing, err := c.openEntry(sealed)
		if err != nil {
			return err
		}
		e.Seq = existing.Seq
	} else {
		seq, err := c.nextSeq(stateTree)
		if err != nil {
			return err
		}
		e.Seq = seq
	}

	sealed, err := c.sealEntry(e)
	if err != nil {
		return err
	}
	if err := rewardTree.Put([]byte(r.ID), sealed); err != nil {
		return fmt.Errorf("failed to put reward %s: %v", r.ID, err)
	}

	sealedBalance, err := c.cryptor.Seal([]byte(strconv.FormatFloat(balance, 'f', -1, 64)))
	if err != nil {
		return err
	}
	if err := stateTree.Put([]byte(balanceStateKey), sealedBalance); err != nil {
		return fmt.Errorf("failed to put balance: %v", err)
	}

	if _, err := graviton.Commit(rewardTree, stateTree); err != nil {
		return fmt.Errorf("failed to commit credit for reward %s: %v", r.ID, err)
	}
	return nil
}

// Balance returns the mirrored balance scalar, zero when unset.
func (c *Cache) Balance() (float64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	stateTree, err := c.tree(stateTreeName)
	if err != nil {
		return 0, err
	}

	sealed, err := stateTree.Get([]byte(balanceStateKey))
	if err != nil {
		return 0, nil
	}
	plain, err := c.cryptor.Open(sealed)
	if err != nil {
		return 0, err
	}

	balance, err := strconv.ParseFloat(string(plain), 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse mirrored balance: %v", err)
	}
	return balance, nil
}

// Clear drops every mirrored reward and the balance scalar. Used by
// the destructive repair and lockdown paths.
func (c *Cache) Clear() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	ss, err := c.store.LoadSnapshot(0)
	if err != nil {
		return fmt.Errorf("failed to load cache snapshot: %v", err)
	}
	rewardTree, err := ss.GetTree(rewardTreeName)
	if err != nil {
		return fmt.Errorf("failed to get reward tree: %v", err)
	}
	stateTree, err := ss.GetTree(stateTreeName)
	if err != nil {
		return fmt.Errorf("failed to get state tree: %v", err)
	}

	for _, tree := range []*graviton.Tree{rewardTree, stateTree} {
		cursor := tree.Cursor()
		var keys [][]byte
		for k, _, err := cursor.First(); err == nil; k, _, err = cursor.Next() {
			key := make([]byte, len(k))
			copy(key, k)
			keys = append(keys, key)
		}
		for _, k := range keys {
			if err := tree.Delete(k); err != nil {
				return fmt.Errorf("failed to clear cache: %v", err)
			}
		}
	}

	if _, err := graviton.Commit(rewardTree, stateTree); err != nil {
		return fmt.Errorf("failed to commit cache clear: %v", err)
	}
	return nil
}

func (c *Cache) tree(name string) (*graviton.Tree, error) {
	ss, err := c.store.LoadSnapshot(0)
	if err != nil {
		return nil, fmt.Errorf("failed to load cache snapshot: %v", err)
	}
	tree, err := ss.GetTree(name)
	if err != nil {
		return nil, fmt.Errorf("failed to get tree %s: %v", name, err)
	}
	return tree, nil
}

// loadEntries decrypts every mirrored entry, sorted by insertion
// sequence. Entries that fail to decrypt or decode are dropped and
// logged; a damaged mirror entry must never block recovery.
func (c *Cache) loadEntries() ([]entry, error) {
	rewardTree, err := c.tree(rewardTreeName)
	if err != nil {
		return nil, err
	}

	var entries []entry
	cursor := rewardTree.Cursor()
	for k, v, err := cursor.First(); err == nil; k, v, err = cursor.Next() {
		e, err := c.openEntry(v)
		if err != nil {
			logger.Warn("Dropping undecodable cache entry", string(k), ":", err)
			continue
		}
		entries = append(entries, e)
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Seq < entries[j].Seq })
	return entries, nil
}

func (c *Cache) sealEntry(e entry) ([]byte, error) {
	plain, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to encode cache entry: %v", err)
	}
	return c.cryptor.Seal(plain)
}

func (c *Cache) openEntry(sealed []byte) (entry, error) {
	plain, err := c.cryptor.Open(sealed)
	if err != nil {
		return entry{}, err
	}
	var e entry
	if err := json.Unmarshal(plain, &e); err != nil {
		return entry{}, fmt.Errorf("failed to decode cache entry: %v", err)
	}
	return e, nil
}

func (c *Cache) nextSeq(stateTree *graviton.Tree) (uint64, error) {
	var seq uint64
	if raw, err := stateTree.Get([]byte(seqStateKey)); err == nil {
		parsed, err := strconv.ParseUint(string(raw), 10, 64)
		if err == nil {
			seq = parsed
		}
	}
	if err := stateTree.Put([]byte(seqStateKey), []byte(strconv.FormatUint(seq+1, 10))); err != nil {
		return 0, fmt.Errorf("failed to advance cache sequence: %v", err)
	}
	return seq, nil
}
