package stats

import "github.com/stretchr/testify/mock"

type MockStatsUpdater struct {
	mock.Mock
}

// NewPermissiveMock returns a mock that accepts registration and updates of
// any metric, for tests that only assert on specific counters.
func NewPermissiveMock() *MockStatsUpdater {
	m := &MockStatsUpdater{}
	m.On("RegisterMetric", mock.Anything).Maybe()
	m.On("Incr", mock.Anything).Maybe()
	m.On("Decr", mock.Anything).Maybe()
	return m
}

func (m *MockStatsUpdater) Incr(name string) {
	m.Called(name)
}

func (m *MockStatsUpdater) Decr(name string) {
	m.Called(name)
}

func (m *MockStatsUpdater) RegisterMetric(name string) {
	m.Called(name)
}

func (m *MockStatsUpdater) Run() {
	m.Called()
}

// Count reports how many times Incr was called with name.
func (m *MockStatsUpdater) Count(name string) int {
	n := 0
	for _, c := range m.Calls {
		if c.Method == "Incr" && len(c.Arguments) == 1 && c.Arguments[0] == name {
			n++
		}
	}
	return n
}
