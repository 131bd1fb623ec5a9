package stream

import (
	"context"
	"errors"
	"testing"
)

// mockResource implements Resource for testing.
type mockResource struct {
	openErr    error
	closeErr   error
	openCount  int
	closeCount int
}

func (m *mockResource) Open(_ context.Context) error {
	m.openCount++
	return m.openErr
}

func (m *mockResource) Close() error {
	m.closeCount++
	return m.closeErr
}

func TestStream_OpenClose(t *testing.T) {
	t.Parallel()

	res := &mockResource{}
	s := New(res)

	if !s.IsClosed() {
		t.Fatalf("new stream: got %s, want closed", s.Status())
	}
	if !s.Open(context.Background(), false) {
		t.Fatal("Open() returned false")
	}
	if !s.IsOpen() {
		t.Errorf("after open: got %s, want open", s.Status())
	}
	if s.Open(context.Background(), false) {
		t.Error("second non-forced Open() should be refused")
	}
	if !s.Close(false) {
		t.Fatal("Close() returned false")
	}
	if !s.IsClosed() {
		t.Errorf("after close: got %s, want closed", s.Status())
	}
	if res.closeCount != 1 {
		t.Errorf("close count: got %d, want 1", res.closeCount)
	}

	// Closing again must not release the handle a second time.
	s.Close(true)
	if res.closeCount != 1 {
		t.Errorf("close count after second close: got %d, want 1", res.closeCount)
	}
}

func TestStream_OpenFailure(t *testing.T) {
	t.Parallel()

	res := &mockResource{openErr: errors.New("connection refused")}
	s := New(res)

	if s.Open(context.Background(), false) {
		t.Fatal("Open() should fail")
	}
	if !s.IsClosed() {
		t.Errorf("status: got %s, want closed", s.Status())
	}
	if res.closeCount != 0 {
		t.Errorf("close count: got %d, want 0", res.closeCount)
	}
}

func TestStream_AfterOpenFailure(t *testing.T) {
	t.Parallel()

	res := &mockResource{}
	s := New(res, WithAfterOpen(func(context.Context) error {
		return errors.New("greeting rejected")
	}))

	if s.Open(context.Background(), false) {
		t.Fatal("Open() should fail when the hook fails")
	}
	if s.Status() != StatusSendingError {
		t.Errorf("status: got %s, want %s", s.Status(), StatusSendingError)
	}
	if res.closeCount != 1 {
		t.Errorf("handle should be released, close count %d", res.closeCount)
	}

	if s.Open(context.Background(), true) {
		t.Error("forced reopen should run the failing hook again")
	}
	if res.openCount != 2 {
		t.Errorf("open count: got %d, want 2", res.openCount)
	}
}

func TestStream_CloseError(t *testing.T) {
	t.Parallel()

	res := &mockResource{closeErr: errors.New("broken pipe")}
	s := New(res)
	s.Open(context.Background(), false)

	if s.Close(false) {
		t.Fatal("Close() should report failure")
	}
	if s.Status() != StatusCloseError {
		t.Errorf("status: got %s, want %s", s.Status(), StatusCloseError)
	}
	if s.Close(false) {
		t.Error("non-forced close from close_error should be refused")
	}
	if !s.Close(true) {
		t.Error("forced close should succeed")
	}
	if !s.IsClosed() {
		t.Errorf("status: got %s, want closed", s.Status())
	}
}

func TestStream_Do(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		op   Op
		err  error
		want Status
	}{
		{"read ok", OpRead, nil, StatusOpen},
		{"write ok", OpWrite, nil, StatusOpen},
		{"read fails", OpRead, errors.New("timeout"), StatusReadingError},
		{"write fails", OpWrite, errors.New("reset"), StatusWritingError},
		{"send fails", OpSend, errors.New("rejected"), StatusSendingError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			s := New(&mockResource{})
			s.Open(context.Background(), false)

			var during Status
			err := s.Do(tt.op, func() error {
				during = s.Status()
				return tt.err
			})
			if !errors.Is(err, tt.err) {
				t.Errorf("Do(): got %v, want %v", err, tt.err)
			}
			if during != StatusBusy {
				t.Errorf("status during op: got %s, want busy", during)
			}
			if s.Status() != tt.want {
				t.Errorf("status after op: got %s, want %s", s.Status(), tt.want)
			}
			if tt.want.IsError() && s.Do(tt.op, func() error { return nil }) == nil {
				t.Error("error state should be terminal")
			}
		})
	}
}

func TestStream_DoWhenClosed(t *testing.T) {
	t.Parallel()

	s := New(&mockResource{})
	called := false
	err := s.Do(OpRead, func() error {
		called = true
		return nil
	})
	if !errors.Is(err, ErrNotOpen) {
		t.Errorf("Do() on closed stream: got %v, want ErrNotOpen", err)
	}
	if called {
		t.Error("fn must not run on a closed stream")
	}
}

func TestStream_CloseRefusedWhileBusy(t *testing.T) {
	t.Parallel()

	s := New(&mockResource{})
	s.Open(context.Background(), false)

	_ = s.Do(OpWrite, func() error {
		if s.Close(false) {
			t.Error("close while busy should be refused")
		}
		return nil
	})
	if !s.IsOpen() {
		t.Errorf("status: got %s, want open", s.Status())
	}
}
