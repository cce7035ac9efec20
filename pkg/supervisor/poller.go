package supervisor

// poll probes every unit on each tick until shutdown
func (s *Supervisor) poll() {
	defer close(s.pollDone)

	ticker := s.clock.Ticker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.Probe()
		case <-s.pollQuit:
			return
		}
	}
}

// Probe runs one memory poll round. Units sample and enforce their
// ceiling on their own goroutine; a busy unit skips the round.
func (s *Supervisor) Probe() {
	for _, u := range s.all() {
		u.probe()
	}
}
