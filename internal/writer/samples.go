package writer

// WriteSamples appends interleaved float samples to the open files. A
// trailing partial frame is kept and completed by the next call. Encoder
// failures are added to the write error counter and writing continues.
func (s *State) WriteSamples(data []float32) {
	if s.deviceChannels <= 0 || s.diskStopped || len(data) == 0 {
		return
	}

	work := data
	if len(s.remainder) > 0 {
		s.frame = append(s.frame[:0], s.remainder...)
		s.frame = append(s.frame, data...)
		s.remainder = s.remainder[:0]
		work = s.frame
	}

	frameSize := s.deviceChannels
	frames := len(work) / frameSize
	used := frames * frameSize
	if used < len(work) {
		s.remainder = append(s.remainder, work[used:]...)
	}
	if frames == 0 {
		return
	}
	work = work[:used]

	s.updatePeaks(work)

	if s.layout == layoutSplit {
		for i, ch := range s.channels {
			w := s.splitWriters[i]
			if w == nil {
				continue
			}
			buf := s.scratch[i][:0]
			for f := 0; f < used; f += frameSize {
				buf = append(buf, sampleAt(work, f, ch, frameSize))
			}
			s.scratch[i] = buf
			s.writeBatch(w, buf)
		}
	} else if s.writer != nil {
		buf := s.scratch[0][:0]
		for f := 0; f < used; f += frameSize {
			for _, ch := range s.channels {
				buf = append(buf, sampleAt(work, f, ch, frameSize))
			}
		}
		s.scratch[0] = buf
		s.writeBatch(s.writer, buf)
	}

	s.observer.FramesWritten(frames)
}

func (s *State) writeBatch(w *wavFile, samples []int) {
	if err := w.write(samples); err != nil {
		s.writeErrors.Add(uint64(len(samples)))
	}
}

// sampleAt converts channel ch of the frame starting at offset f. Channels
// the device does not provide are written as silence to keep the layout.
func sampleAt(work []float32, f, ch, frameSize int) int {
	if ch >= frameSize {
		return 0
	}
	return ToPCM16(work[f+ch])
}

// ToPCM16 scales a float sample to signed 16-bit PCM. Input is clamped to
// [-1, 1] and the product truncated toward zero.
func ToPCM16(v float32) int {
	switch {
	case v != v:
		return 0
	case v > 1:
		v = 1
	case v < -1:
		v = -1
	}
	return int(v * 32767)
}

func (s *State) updatePeaks(work []float32) {
	if s.levels == nil {
		return
	}
	frameSize := s.deviceChannels
	if cap(s.peaks) < len(s.channels) {
		s.peaks = make([]float32, len(s.channels))
	}
	peaks := s.peaks[:len(s.channels)]
	for i := range peaks {
		peaks[i] = 0
	}
	for f := 0; f < len(work); f += frameSize {
		for i, ch := range s.channels {
			if ch >= frameSize {
				continue
			}
			v := work[f+ch]
			if v < 0 {
				v = -v
			}
			if v > peaks[i] {
				peaks[i] = v
			}
		}
	}
	for i, ch := range s.channels {
		s.levels.observe(ch, peaks[i])
	}
}
