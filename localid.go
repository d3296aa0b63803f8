package dchat

import (
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"
)

const localIDPrefix = "local-"

// localIDs generates temporary ids for optimistic messages. The counter keeps
// ids ordered within the process and the UUID keeps them unique across
// processes and restarts, even for sends in the same millisecond.
type localIDs struct {
	seq atomic.Uint64
}

func (g *localIDs) next() string {
	return localIDPrefix + strconv.FormatUint(g.seq.Add(1), 10) + "-" + uuid.NewString()
}

// IsLocalID reports whether id is a temporary client-generated id.
func IsLocalID(id string) bool {
	return strings.HasPrefix(id, localIDPrefix)
}

// recentIDs remembers the last N ids seen, oldest evicted first.
type recentIDs struct {
	limit int
	order []string
	set   map[string]struct{}
}

func newRecentIDs(limit int) *recentIDs {
	return &recentIDs{limit: limit, set: make(map[string]struct{}, limit)}
}

// add records id and reports whether it was new.
func (r *recentIDs) add(id string) bool {
	if _, ok := r.set[id]; ok {
		return false
	}
	r.set[id] = struct{}{}
	r.order = append(r.order, id)
	if len(r.order) > r.limit {
		delete(r.set, r.order[0])
		r.order = r.order[1:]
	}
	return true
}
