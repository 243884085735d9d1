package forum

import (
	"sort"
	"strconv"
)

// ThreadID identifies a chat thread.
type ThreadID int64

// MainThreadID is the single shared thread every client is pinned to.
const MainThreadID ThreadID = 1

func (id ThreadID) String() string { return strconv.FormatInt(int64(id), 10) }

// Thread is the metadata advertised for one thread.
type Thread struct {
	ID    ThreadID `json:"id"`
	Title string   `json:"title"`
}

// ThreadSet maps thread ids to their metadata.
type ThreadSet map[ThreadID]Thread

// DefaultThreads is the metadata used until the backend sends a thread_list.
func DefaultThreads() ThreadSet {
	return ThreadSet{MainThreadID: {ID: MainThreadID, Title: "Main thread"}}
}

// Title returns the thread title, or a generic label for unknown ids.
func (s ThreadSet) Title(id ThreadID) string {
	if t, ok := s[id]; ok && t.Title != "" {
		return t.Title
	}
	return "Thread " + id.String()
}

// Sorted returns the threads ordered by id.
func (s ThreadSet) Sorted() []Thread {
	out := make([]Thread, 0, len(s))
	for _, t := range s {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func threadSetFrom(list []Thread) ThreadSet {
	s := make(ThreadSet, len(list))
	for _, t := range list {
		s[t.ID] = t
	}
	return s
}
