package core

import (
	"math/rand/v2"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/google/uuid"
)

// DandelionMap assigns each transaction source to one outbound "stem"
// connection for the duration of an epoch. Selection is load-balanced: a
// new source takes the least-used live slot, ties broken uniformly at
// random, and the mapping is sticky until the chosen peer disconnects.
type DandelionMap struct {
	// outMapping holds up to stem-count outbound ids; uuid.Nil marks a
	// slot whose peer disconnected. Live entries are distinct.
	outMapping []uuid.UUID
	// inMapping maps a source to its slot index; usage counts how many
	// sources point at each slot.
	inMapping map[uuid.UUID]int
	usage     []int
}

// NewDandelionMap picks min(stemCount, len(out)) connections uniformly at
// random without replacement as the initial stem set.
func NewDandelionMap(out []uuid.UUID, stemCount int) *DandelionMap {
	outMapping := make([]uuid.UUID, len(out))
	copy(outMapping, out)
	rand.Shuffle(len(outMapping), func(i, j int) {
		outMapping[i], outMapping[j] = outMapping[j], outMapping[i]
	})
	if stemCount < len(outMapping) {
		outMapping = outMapping[:stemCount]
	}
	return &DandelionMap{
		outMapping: outMapping,
		inMapping:  make(map[uuid.UUID]int),
		usage:      make([]int, stemCount),
	}
}

// OutSlot returns the connection bound to slot i, or uuid.Nil when the
// slot is empty or beyond the mapped range. Covert channels bind channel i
// to slot i.
func (m *DandelionMap) OutSlot(i int) uuid.UUID {
	if i < 0 || i >= len(m.outMapping) {
		return uuid.Nil
	}
	return m.outMapping[i]
}

// Size reports the number of live stem slots.
func (m *DandelionMap) Size() int {
	count := 0
	for _, id := range m.outMapping {
		if id != uuid.Nil {
			count++
		}
	}
	return count
}

// Update reconciles the stem set against the current outbound connections:
// slots whose peer vanished are emptied, then empty (and missing) slots are
// refilled from the remaining candidates in random order. The return value
// reports whether any slot changed or remains unfilled.
func (m *DandelionMap) Update(current []uuid.UUID) bool {
	candidates := mapset.NewThreadUnsafeSet(current...)

	replace := false
	for i, existing := range m.outMapping {
		if existing == uuid.Nil || !candidates.Contains(existing) {
			m.outMapping[i] = uuid.Nil
			replace = true
		} else {
			candidates.Remove(existing)
		}
	}

	if !replace && len(m.outMapping) == len(m.usage) {
		return false
	}

	pool := candidates.ToSlice()
	rand.Shuffle(len(pool), func(i, j int) { pool[i], pool[j] = pool[j], pool[i] })

	existingOuts := len(m.outMapping)
	for i := 0; i < len(m.usage) && len(pool) > 0; i++ {
		grow := len(m.outMapping) <= i
		if grow || m.outMapping[i] == uuid.Nil {
			next := pool[len(pool)-1]
			pool = pool[:len(pool)-1]
			if grow {
				m.outMapping = append(m.outMapping, next)
			} else {
				m.outMapping[i] = next
			}
		}
	}
	return replace || existingOuts < len(m.outMapping)
}

// GetStem returns the stem connection for source, memoizing the choice so
// repeated calls within an epoch are stable. uuid.Nil means no live stem
// is available.
func (m *DandelionMap) GetStem(source uuid.UUID) uuid.UUID {
	if idx, ok := m.inMapping[source]; ok {
		if m.outMapping[idx] != uuid.Nil {
			return m.outMapping[idx]
		}
		// The mapped peer disconnected; move this source to another slot.
		m.usage[idx]--
		next := m.selectStem()
		if next < 0 {
			delete(m.inMapping, source)
			return uuid.Nil
		}
		m.inMapping[source] = next
		m.usage[next]++
		return m.outMapping[next]
	}

	next := m.selectStem()
	if next < 0 {
		return uuid.Nil
	}
	m.inMapping[source] = next
	m.usage[next]++
	return m.outMapping[next]
}

// selectStem picks the least-used live slot, ties broken uniformly.
func (m *DandelionMap) selectStem() int {
	if len(m.usage) < len(m.outMapping) {
		return -1
	}
	lowest := -1
	var choices []int
	for i, id := range m.outMapping {
		if id == uuid.Nil {
			continue
		}
		switch {
		case lowest < 0 || m.usage[i] < lowest:
			lowest = m.usage[i]
			choices = choices[:0]
			choices = append(choices, i)
		case m.usage[i] == lowest:
			choices = append(choices, i)
		}
	}
	switch len(choices) {
	case 0:
		return -1
	case 1:
		return choices[0]
	}
	return choices[rand.IntN(len(choices))]
}
