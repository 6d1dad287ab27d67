package registry

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryBackend keeps every ledger in process memory behind one mutex.
type MemoryBackend struct {
	mu         sync.Mutex
	nextOpID   int64
	nextIterID int64
	operations []Operation
	entries    map[string]Entry
	tokens     map[string]ResumptionToken
	objects    map[string]DigitalObjectRecord
	iterations map[int64]PluginIteration
	formats    map[string]FileFormat
	registries map[string]RemoteRegistry
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		entries:    map[string]Entry{},
		tokens:     map[string]ResumptionToken{},
		objects:    map[string]DigitalObjectRecord{},
		iterations: map[int64]PluginIteration{},
		formats:    map[string]FileFormat{},
		registries: map[string]RemoteRegistry{},
	}
}

type memoryOperations struct{ b *MemoryBackend }
type memoryTokens struct{ b *MemoryBackend }
type memoryObjects struct{ b *MemoryBackend }
type memoryIterations struct{ b *MemoryBackend }
type memoryFormats struct{ b *MemoryBackend }
type memoryRegistries struct{ b *MemoryBackend }

func (b *MemoryBackend) Operations() OperationRepository { return memoryOperations{b} }
func (b *MemoryBackend) Tokens() TokenRepository         { return memoryTokens{b} }
func (b *MemoryBackend) Objects() ObjectRepository       { return memoryObjects{b} }
func (b *MemoryBackend) Iterations() IterationRepository { return memoryIterations{b} }
func (b *MemoryBackend) Formats() FormatRepository       { return memoryFormats{b} }
func (b *MemoryBackend) Registries() RegistryRepository  { return memoryRegistries{b} }

func (b *MemoryBackend) Close() error {
	return nil
}

func (r memoryOperations) Apply(_ context.Context, op Operation) (Operation, bool, error) {
	b := r.b
	b.mu.Lock()
	defer b.mu.Unlock()
	if entry, ok := b.entries[op.EntityRef]; ok {
		if !entry.LastChanged.Before(op.Timestamp) || (entry.Origin == "" && op.Origin != "") {
			return Operation{}, false, nil
		}
	}
	b.nextOpID++
	op.ID = b.nextOpID
	b.entries[op.EntityRef] = Entry{
		EntityRef:   op.EntityRef,
		Set:         op.Set,
		Deleted:     op.Type == OperationDeleted,
		LastChanged: op.Timestamp,
		Origin:      op.Origin,
	}
	idx := sort.Search(len(b.operations), func(i int) bool {
		return op.Key().precedes(b.operations[i])
	})
	b.operations = append(b.operations, Operation{})
	copy(b.operations[idx+1:], b.operations[idx:])
	b.operations[idx] = op
	return op, true, nil
}

func (r memoryOperations) List(_ context.Context, q OperationQuery) ([]Operation, error) {
	b := r.b
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Operation, 0)
	for _, op := range b.operations {
		if !q.matches(op) {
			continue
		}
		out = append(out, op)
		if q.Limit > 0 && len(out) >= q.Limit {
			break
		}
	}
	return out, nil
}

func (r memoryOperations) Count(_ context.Context, q OperationQuery) (int, error) {
	b := r.b
	b.mu.Lock()
	defer b.mu.Unlock()
	q.Limit = 0
	count := 0
	for _, op := range b.operations {
		if q.matches(op) {
			count++
		}
	}
	return count, nil
}

func (r memoryOperations) MaxID(_ context.Context) (int64, error) {
	r.b.mu.Lock()
	defer r.b.mu.Unlock()
	return r.b.nextOpID, nil
}

func (r memoryOperations) Entry(_ context.Context, entityRef string) (Entry, error) {
	r.b.mu.Lock()
	defer r.b.mu.Unlock()
	entry, ok := r.b.entries[entityRef]
	if !ok {
		return Entry{}, ErrNotFound
	}
	return entry, nil
}

func (r memoryOperations) PurgeBefore(_ context.Context, before time.Time) (int, error) {
	b := r.b
	b.mu.Lock()
	defer b.mu.Unlock()
	kept := b.operations[:0]
	purged := 0
	for _, op := range b.operations {
		if op.Timestamp.Before(before) {
			purged++
			continue
		}
		kept = append(kept, op)
	}
	b.operations = kept
	return purged, nil
}

func (r memoryTokens) Save(_ context.Context, token ResumptionToken) error {
	if strings.TrimSpace(token.ID) == "" {
		return ErrInvalidInput
	}
	r.b.mu.Lock()
	defer r.b.mu.Unlock()
	r.b.tokens[token.ID] = token
	return nil
}

func (r memoryTokens) Take(_ context.Context, id string, listing ListingType) (ResumptionToken, error) {
	r.b.mu.Lock()
	defer r.b.mu.Unlock()
	token, ok := r.b.tokens[id]
	if !ok {
		return ResumptionToken{}, ErrNotFound
	}
	if token.ListingType != listing {
		return ResumptionToken{}, listingMismatch(token.ListingType)
	}
	delete(r.b.tokens, id)
	return token, nil
}

func (r memoryTokens) PurgeExpired(_ context.Context, now time.Time) (int, error) {
	r.b.mu.Lock()
	defer r.b.mu.Unlock()
	purged := 0
	for id, token := range r.b.tokens {
		if token.Expired(now) {
			delete(r.b.tokens, id)
			purged++
		}
	}
	return purged, nil
}

func (r memoryObjects) Add(_ context.Context, rec DigitalObjectRecord) (DigitalObjectRecord, error) {
	r.b.mu.Lock()
	defer r.b.mu.Unlock()
	if existing, ok := r.b.objects[rec.Identifier]; ok {
		return existing, nil
	}
	r.b.objects[rec.Identifier] = rec
	return rec, nil
}

func (r memoryObjects) SetStatus(_ context.Context, identifier string, status VerificationStatus, at time.Time) (DigitalObjectRecord, bool, error) {
	r.b.mu.Lock()
	defer r.b.mu.Unlock()
	rec, ok := r.b.objects[identifier]
	if !ok {
		return DigitalObjectRecord{}, false, ErrNotFound
	}
	changed := rec.Status != status
	rec.Status = status
	rec.LastVerifiedAt = timePtr(at)
	r.b.objects[identifier] = rec
	return rec, changed, nil
}

func (r memoryObjects) RestoreStatus(_ context.Context, prev DigitalObjectRecord, from VerificationStatus) (bool, error) {
	r.b.mu.Lock()
	defer r.b.mu.Unlock()
	rec, ok := r.b.objects[prev.Identifier]
	if !ok {
		return false, ErrNotFound
	}
	if rec.Status != from {
		return false, nil
	}
	rec.Status = prev.Status
	rec.LastVerifiedAt = prev.LastVerifiedAt
	r.b.objects[prev.Identifier] = rec
	return true, nil
}

func (r memoryObjects) Get(_ context.Context, identifier string) (DigitalObjectRecord, error) {
	r.b.mu.Lock()
	defer r.b.mu.Unlock()
	rec, ok := r.b.objects[identifier]
	if !ok {
		return DigitalObjectRecord{}, ErrNotFound
	}
	return rec, nil
}

func (r memoryObjects) CountByStatus(_ context.Context, status VerificationStatus) (int, error) {
	r.b.mu.Lock()
	defer r.b.mu.Unlock()
	count := 0
	for _, rec := range r.b.objects {
		if rec.Status == status {
			count++
		}
	}
	return count, nil
}

func (r memoryObjects) FirstAdded(_ context.Context) (time.Time, error) {
	r.b.mu.Lock()
	defer r.b.mu.Unlock()
	var first time.Time
	for _, rec := range r.b.objects {
		if first.IsZero() || rec.AddedAt.Before(first) {
			first = rec.AddedAt
		}
	}
	if first.IsZero() {
		return time.Time{}, ErrNotFound
	}
	return first, nil
}

func (r memoryObjects) LastVerified(_ context.Context) (time.Time, error) {
	r.b.mu.Lock()
	defer r.b.mu.Unlock()
	var last time.Time
	for _, rec := range r.b.objects {
		if rec.LastVerifiedAt != nil && rec.LastVerifiedAt.After(last) {
			last = *rec.LastVerifiedAt
		}
	}
	if last.IsZero() {
		return time.Time{}, ErrNotFound
	}
	return last, nil
}

func (r memoryObjects) MostRecent(_ context.Context) (DigitalObjectRecord, error) {
	r.b.mu.Lock()
	defer r.b.mu.Unlock()
	var (
		latest DigitalObjectRecord
		found  bool
	)
	for _, rec := range r.b.objects {
		if !found || rec.AddedAt.After(latest.AddedAt) ||
			(rec.AddedAt.Equal(latest.AddedAt) && rec.Identifier > latest.Identifier) {
			latest = rec
			found = true
		}
	}
	if !found {
		return DigitalObjectRecord{}, ErrNotFound
	}
	return latest, nil
}

func (r memoryObjects) DeleteAll(_ context.Context) (int, error) {
	r.b.mu.Lock()
	defer r.b.mu.Unlock()
	count := len(r.b.objects)
	r.b.objects = map[string]DigitalObjectRecord{}
	return count, nil
}

func (r memoryIterations) Start(_ context.Context, it PluginIteration) (PluginIteration, error) {
	r.b.mu.Lock()
	defer r.b.mu.Unlock()
	r.b.nextIterID++
	it.ID = r.b.nextIterID
	it.FinishedAt = nil
	r.b.iterations[it.ID] = it
	return it, nil
}

func (r memoryIterations) Finish(_ context.Context, id int64, at time.Time) (PluginIteration, error) {
	r.b.mu.Lock()
	defer r.b.mu.Unlock()
	it, ok := r.b.iterations[id]
	if !ok {
		return PluginIteration{}, ErrNotFound
	}
	if it.FinishedAt != nil {
		return PluginIteration{}, ErrInvalidState
	}
	it.FinishedAt = timePtr(at)
	r.b.iterations[id] = it
	return it, nil
}

func (r memoryIterations) byPlugin(plugin string) []PluginIteration {
	out := make([]PluginIteration, 0)
	for _, it := range r.b.iterations {
		if it.Plugin == plugin {
			out = append(out, it)
		}
	}
	return out
}

func (r memoryIterations) Last(_ context.Context, plugin string) (PluginIteration, error) {
	r.b.mu.Lock()
	defer r.b.mu.Unlock()
	var (
		last  PluginIteration
		found bool
	)
	for _, it := range r.byPlugin(plugin) {
		if !found || it.StartedAt.After(last.StartedAt) ||
			(it.StartedAt.Equal(last.StartedAt) && it.ID > last.ID) {
			last = it
			found = true
		}
	}
	if !found {
		return PluginIteration{}, ErrNotFound
	}
	return last, nil
}

func (r memoryIterations) Count(_ context.Context, plugin string) (int, error) {
	r.b.mu.Lock()
	defer r.b.mu.Unlock()
	return len(r.byPlugin(plugin)), nil
}

func (r memoryIterations) FirstStarted(_ context.Context, plugin string) (time.Time, error) {
	r.b.mu.Lock()
	defer r.b.mu.Unlock()
	var first time.Time
	for _, it := range r.byPlugin(plugin) {
		if first.IsZero() || it.StartedAt.Before(first) {
			first = it.StartedAt
		}
	}
	if first.IsZero() {
		return time.Time{}, ErrNotFound
	}
	return first, nil
}

func (r memoryIterations) LastFinished(_ context.Context, plugin string) (time.Time, error) {
	r.b.mu.Lock()
	defer r.b.mu.Unlock()
	var last time.Time
	for _, it := range r.byPlugin(plugin) {
		if it.FinishedAt != nil && it.FinishedAt.After(last) {
			last = *it.FinishedAt
		}
	}
	if last.IsZero() {
		return time.Time{}, ErrNotFound
	}
	return last, nil
}

func (r memoryIterations) DeleteAll(_ context.Context, plugin string) (int, error) {
	r.b.mu.Lock()
	defer r.b.mu.Unlock()
	deleted := 0
	for id, it := range r.b.iterations {
		if it.Plugin == plugin {
			delete(r.b.iterations, id)
			deleted++
		}
	}
	return deleted, nil
}

func (r memoryFormats) SetAtRisk(_ context.Context, puid string, atRisk bool) (bool, error) {
	r.b.mu.Lock()
	defer r.b.mu.Unlock()
	existing, ok := r.b.formats[puid]
	if ok && existing.AtRisk == atRisk {
		return false, nil
	}
	r.b.formats[puid] = FileFormat{PUID: puid, AtRisk: atRisk}
	return true, nil
}

func (r memoryFormats) Get(_ context.Context, puid string) (FileFormat, error) {
	r.b.mu.Lock()
	defer r.b.mu.Unlock()
	format, ok := r.b.formats[puid]
	if !ok {
		return FileFormat{}, ErrNotFound
	}
	return format, nil
}

func (r memoryFormats) ListAtRisk(_ context.Context) ([]FileFormat, error) {
	r.b.mu.Lock()
	defer r.b.mu.Unlock()
	out := make([]FileFormat, 0)
	for _, format := range r.b.formats {
		if format.AtRisk {
			out = append(out, format)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PUID < out[j].PUID })
	return out, nil
}

func (r memoryRegistries) List(_ context.Context) ([]RemoteRegistry, error) {
	r.b.mu.Lock()
	defer r.b.mu.Unlock()
	out := make([]RemoteRegistry, 0, len(r.b.registries))
	for _, reg := range r.b.registries {
		out = append(out, reg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (r memoryRegistries) Get(_ context.Context, name string) (RemoteRegistry, error) {
	r.b.mu.Lock()
	defer r.b.mu.Unlock()
	reg, ok := r.b.registries[name]
	if !ok {
		return RemoteRegistry{}, ErrNotFound
	}
	return reg, nil
}

func (r memoryRegistries) Upsert(_ context.Context, reg RemoteRegistry) (RemoteRegistry, error) {
	r.b.mu.Lock()
	defer r.b.mu.Unlock()
	reg.LastHarvested = nil
	if existing, ok := r.b.registries[reg.Name]; ok {
		reg.LastHarvested = existing.LastHarvested
	}
	r.b.registries[reg.Name] = reg
	return reg, nil
}

func (r memoryRegistries) AdvanceWatermark(_ context.Context, name string, ts time.Time) (bool, error) {
	r.b.mu.Lock()
	defer r.b.mu.Unlock()
	reg, ok := r.b.registries[name]
	if !ok {
		return false, ErrNotFound
	}
	if reg.LastHarvested != nil && !reg.LastHarvested.Before(ts) {
		return false, nil
	}
	reg.LastHarvested = timePtr(ts)
	r.b.registries[name] = reg
	return true, nil
}
