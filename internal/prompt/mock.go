package prompt

// queue hands out canned answers in order; once exhausted it yields the
// zero value and no error.
type queue[T any] struct {
	answers []T
	errs    []error
	next    int
}

func (q *queue[T]) pop() (T, bool, error) {
	i := q.next
	q.next++
	var zero T
	if i < len(q.errs) && q.errs[i] != nil {
		return zero, true, q.errs[i]
	}
	if i < len(q.answers) {
		return q.answers[i], true, nil
	}
	return zero, false, nil
}

// ConfirmCall records one Confirm call.
type ConfirmCall struct {
	Question   string
	DefaultYes bool
}

// MockConfirmer returns canned answers. When they run out it returns the
// default.
type MockConfirmer struct {
	q     queue[bool]
	Calls []ConfirmCall
}

// NewMockConfirmer creates a MockConfirmer with the given answers.
func NewMockConfirmer(answers ...bool) *MockConfirmer {
	return &MockConfirmer{q: queue[bool]{answers: answers}}
}

// FailWith makes the i-th call return err.
func (m *MockConfirmer) FailWith(i int, err error) *MockConfirmer {
	for len(m.q.errs) <= i {
		m.q.errs = append(m.q.errs, nil)
	}
	m.q.errs[i] = err
	return m
}

func (m *MockConfirmer) Confirm(question string, defaultYes bool) (bool, error) {
	m.Calls = append(m.Calls, ConfirmCall{Question: question, DefaultYes: defaultYes})
	v, ok, err := m.q.pop()
	if !ok {
		return defaultYes, nil
	}
	return v, err
}

// SelectCall records one Select call.
type SelectCall struct {
	Question   string
	Options    []string
	DefaultIdx int
}

// MockSelector returns canned indexes. When they run out it returns the
// default.
type MockSelector struct {
	q     queue[int]
	Calls []SelectCall
}

// NewMockSelector creates a MockSelector with the given answers.
func NewMockSelector(answers ...int) *MockSelector {
	return &MockSelector{q: queue[int]{answers: answers}}
}

func (m *MockSelector) Select(question string, options []string, defaultIdx int) (int, error) {
	m.Calls = append(m.Calls, SelectCall{Question: question, Options: options, DefaultIdx: defaultIdx})
	v, ok, err := m.q.pop()
	if !ok {
		return defaultIdx, nil
	}
	return v, err
}

// MockSecretReader returns canned secrets and records the labels asked for.
type MockSecretReader struct {
	q     queue[string]
	Calls []string
}

// NewMockSecretReader creates a MockSecretReader with the given secrets.
func NewMockSecretReader(secrets ...string) *MockSecretReader {
	return &MockSecretReader{q: queue[string]{answers: secrets}}
}

func (m *MockSecretReader) ReadSecret(label string) (string, error) {
	m.Calls = append(m.Calls, label)
	v, _, err := m.q.pop()
	return v, err
}
