package call

import "sync"

type release struct {
	name string
	fn   func()
}

// scope collects release steps as resources are acquired and runs them in
// reverse order exactly once.
type scope struct {
	mu    sync.Mutex
	steps []release
	done  bool
}

// push registers fn. If the scope was already released fn runs immediately.
func (s *scope) push(name string, fn func()) {
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		run(release{name, fn})
		return
	}
	s.steps = append(s.steps, release{name, fn})
	s.mu.Unlock()
}

// replace swaps the release step registered under name.
func (s *scope) replace(name string, fn func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.steps {
		if s.steps[i].name == name {
			s.steps[i].fn = fn
			return true
		}
	}
	return false
}

func (s *scope) release() {
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return
	}
	s.done = true
	steps := s.steps
	s.steps = nil
	s.mu.Unlock()

	for i := len(steps) - 1; i >= 0; i-- {
		run(steps[i])
	}
}

// run keeps a panicking step from skipping the ones after it.
func run(r release) {
	defer func() {
		if p := recover(); p != nil {
			log.Errorf("Release %s panicked: %v", r.name, p)
		}
	}()
	log.Debugf("Releasing %s", r.name)
	r.fn()
}
