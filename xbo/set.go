package xbo

// Set is the collection of buffers backing one workload,
// keyed by kind. At most one buffer per kind.
type Set map[Kind]*BO

// AllocSet allocates one zero-filled buffer per requested kind.
func AllocSet(sizes map[Kind]int) (Set, error) {
	s := make(Set, len(sizes))
	for kind, size := range sizes {
		bo, err := Alloc(kind, size)
		if err != nil {
			return nil, err
		}
		s[kind] = bo
	}
	return s, nil
}

// Get returns the buffer of the given kind,
// or [ErrNoBuffer] if the set has none.
func (s Set) Get(kind Kind) (*BO, error) {
	bo, ok := s[kind]
	if !ok {
		return nil, ErrNoBuffer
	}
	return bo, nil
}

// SyncBeforeRun pushes every host-written buffer to the device:
// input, instructions, parameters, and microcontroller code,
// whichever of those the set contains.
func (s Set) SyncBeforeRun() {
	for _, kind := range []Kind{
		KindInput,
		KindInstruction,
		KindBadInstruction,
		KindParameters,
		KindMCCode,
	} {
		if bo, ok := s[kind]; ok {
			bo.Sync(SyncToDevice)
		}
	}
}

// SyncAfterRun pulls the device-written buffers back to the host:
// the output, and the intermediate scratch if present.
func (s Set) SyncAfterRun() {
	for _, kind := range []Kind{
		KindOutput,
		KindIntermediate,
	} {
		if bo, ok := s[kind]; ok {
			bo.Sync(SyncFromDevice)
		}
	}
}
