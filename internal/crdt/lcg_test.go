package crdt

// lcgRand is a small seeded linear-congruential generator used in place of
// math/rand for property-style tests, so convergence and fuzz runs are
// byte-for-byte reproducible across test invocations.
type lcgRand struct {
	state uint64
}

func newLCG(seed uint64) *lcgRand {
	return &lcgRand{state: seed}
}

func (l *lcgRand) nextUint64() uint64 {
	l.state = l.state*6364136223846793005 + 1
	return l.state
}

func (l *lcgRand) nextIntn(upperExclusive int) int {
	if upperExclusive <= 0 {
		return 0
	}
	return int(l.nextUint64() % uint64(upperExclusive))
}

func (l *lcgRand) nextRune() rune {
	switch l.nextIntn(52) {
	case 0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16, 17, 18, 19, 20, 21, 22, 23, 24, 25:
		return rune('a' + l.nextIntn(26))
	case 26, 27, 28, 29, 30, 31, 32, 33, 34, 35, 36, 37, 38, 39, 40, 41, 42, 43, 44, 45, 46, 47, 48, 49:
		return rune('A' + l.nextIntn(26))
	case 50:
		return ' '
	default:
		glyphs := []rune{'🙂', '🚀', '日', '✓'}
		return glyphs[l.nextIntn(len(glyphs))]
	}
}
