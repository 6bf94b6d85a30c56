package supervisor

// Listener dispatch. Every emit runs on the event loop and calls listeners
// synchronously in registration order.

func (s *Supervisor) snapshotListeners() []Callbacks {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()
	return s.listeners
}

func (s *Supervisor) emitFrame(f Frame) {
	for _, cb := range s.snapshotListeners() {
		if cb.OnFrame != nil {
			cb.OnFrame(f)
		}
	}
}

func (s *Supervisor) emitChunk(gen uint64, data []byte) {
	for _, cb := range s.snapshotListeners() {
		if cb.OnChunk != nil {
			cb.OnChunk(s.channel, gen, data)
		}
	}
}

func (s *Supervisor) emitError(err error) {
	for _, cb := range s.snapshotListeners() {
		if cb.OnError != nil {
			cb.OnError(err)
		}
	}
}

func (s *Supervisor) emitEnd(info EndInfo) {
	for _, cb := range s.snapshotListeners() {
		if cb.OnEnd != nil {
			cb.OnEnd(info)
		}
	}
}

func (s *Supervisor) emitRecover(rc RecoverContext) {
	for _, cb := range s.snapshotListeners() {
		if cb.OnRecover != nil {
			cb.OnRecover(rc)
		}
	}
}

func (s *Supervisor) emitFatal(fc FatalContext) {
	for _, cb := range s.snapshotListeners() {
		if cb.OnFatal != nil {
			cb.OnFatal(fc)
		}
	}
}

func (s *Supervisor) emitTransportChange(tc TransportChange) {
	for _, cb := range s.snapshotListeners() {
		if cb.OnTransportChange != nil {
			cb.OnTransportChange(tc)
		}
	}
}

func (s *Supervisor) emitStream(info StreamInfo) {
	for _, cb := range s.snapshotListeners() {
		if cb.OnStream != nil {
			cb.OnStream(info)
		}
	}
}

func (s *Supervisor) emitStateChange(oldState, newState State) {
	for _, cb := range s.snapshotListeners() {
		if cb.OnStateChange != nil {
			cb.OnStateChange(s.channel, oldState, newState)
		}
	}
}

func (s *Supervisor) emitStderr(gen uint64, line string) {
	for _, cb := range s.snapshotListeners() {
		if cb.OnStderr != nil {
			cb.OnStderr(s.channel, gen, line)
		}
	}
}
