package testutil

import (
	"github.com/go-logr/logr"
	"github.com/stretchr/testify/mock"
)

type MockLoggerSink struct {
	mock.Mock
}

func (m *MockLoggerSink) Enabled(level int) bool {
	args := m.Called(level)
	return args.Bool(0)
}

func (m *MockLoggerSink) Error(err error, msg string, keysAndValues ...interface{}) {
	m.Called(err, msg, keysAndValues)
}

func (m *MockLoggerSink) Info(level int, msg string, keysAndValues ...interface{}) {
	m.Called(level, msg, keysAndValues)
}

func (m *MockLoggerSink) Init(info logr.RuntimeInfo) {
	m.Called(info)
}

func (m *MockLoggerSink) WithName(name string) logr.LogSink {
	args := m.Called(name)
	return args.Get(0).(logr.LogSink)
}

func (m *MockLoggerSink) WithValues(keysAndValues ...interface{}) logr.LogSink {
	args := m.Called(keysAndValues)
	return args.Get(0).(logr.LogSink)
}

var _ logr.LogSink = (*MockLoggerSink)(nil)

// NewMockLoggerSink returns a sink that accepts initialization, reports every level as enabled,
// and records Error and Info calls. Use AssertCalled/AssertNumberOfCalls to verify what was logged.
func NewMockLoggerSink() *MockLoggerSink {
	sink := &MockLoggerSink{}
	sink.On("Init", mock.AnythingOfType("logr.RuntimeInfo")).Return()
	sink.On("Enabled", mock.Anything).Return(true)
	sink.On("Error", mock.Anything, mock.Anything, mock.Anything).Return()
	sink.On("Info", mock.Anything, mock.Anything, mock.Anything).Return()
	sink.On("WithName", mock.Anything).Return(sink)
	sink.On("WithValues", mock.Anything).Return(sink)
	return sink
}

// ErrorMessages returns the messages of all Error calls recorded so far.
func (m *MockLoggerSink) ErrorMessages() []string {
	retval := []string{}
	for _, call := range m.Calls {
		if call.Method == "Error" {
			retval = append(retval, call.Arguments.String(1))
		}
	}
	return retval
}
