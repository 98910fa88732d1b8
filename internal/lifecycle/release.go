package lifecycle

// Releaser is a LIFO stack of release functions. Each function runs at
// most once no matter how many times Release is called.
type Releaser struct {
	entries []entry
}

type entry struct {
	name    string
	release func()
}

func (r *Releaser) Push(name string, release func()) {
	r.entries = append(r.entries, entry{name: name, release: release})
}

func (r *Releaser) Len() int {
	return len(r.entries)
}

// Release runs the pending functions newest first. The observer, when
// non-nil, sees each name just before its function runs.
func (r *Releaser) Release(observe func(name string)) {
	for len(r.entries) > 0 {
		last := len(r.entries) - 1
		e := r.entries[last]
		r.entries = r.entries[:last]

		if observe != nil {
			observe(e.name)
		}
		e.release()
	}
}
