package eventlog

import (
	"bytes"
	"testing"
	"time"

	"github.com/talgya/mini-colony/internal/request"
	"github.com/talgya/mini-colony/internal/token"
)

func TestAuditLogger_WriteRotateRead(t *testing.T) {
	dir := t.TempDir()
	l := NewAuditLogger(dir)
	clock := time.Date(2026, 3, 1, 10, 15, 0, 0, time.UTC)
	l.w.now = func() time.Time { return clock }

	res := token.New()
	first := request.Transition{Tick: 1, Token: token.New(), From: request.Created, To: request.InProgress, Resolver: &res, Reason: "claimed"}
	second := request.Transition{Tick: 2, Token: first.Token, From: request.InProgress, To: request.Completed, Resolver: &res, Reason: "completed"}
	l.Record(first)
	l.Record(second)

	clock = clock.Add(time.Hour)
	third := request.Transition{Tick: 60, Token: token.New(), From: request.Created, To: request.Cancelled, Reason: "cancelled"}
	l.Record(third)
	if err := l.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	files, err := Files(dir)
	if err != nil {
		t.Fatalf("files: %v", err)
	}
	if len(files) != 2 {
		t.Fatalf("files=%v want 2 hourly files", files)
	}
	got, err := ReadAll(files[0])
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(got) != 2 || got[0].To != request.InProgress || got[1].To != request.Completed {
		t.Fatalf("first file = %+v", got)
	}
	if got[0].Resolver == nil || *got[0].Resolver != res {
		t.Fatalf("resolver lost: %+v", got[0])
	}
	got, err = ReadAll(files[1])
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(got) != 1 || got[0].Token != third.Token || got[0].Resolver != nil {
		t.Fatalf("second file = %+v", got)
	}
}

func TestAuditLogger_AppendAfterReopen(t *testing.T) {
	dir := t.TempDir()
	clock := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 2; i++ {
		l := NewAuditLogger(dir)
		l.w.now = func() time.Time { return clock }
		l.Record(request.Transition{Tick: uint64(i), Token: token.New(), From: request.Created, To: request.Created, Reason: "created"})
		if err := l.Close(); err != nil {
			t.Fatalf("close: %v", err)
		}
	}
	files, _ := Files(dir)
	if len(files) != 1 {
		t.Fatalf("files=%v want 1", files)
	}
	got, err := ReadAll(files[0])
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(got) != 2 || got[1].Tick != 1 {
		t.Fatalf("got %+v want both sessions", got)
	}
}

func TestCSVWriter(t *testing.T) {
	type row struct {
		Token string `json:"token"`
		Seq   uint64 `json:"seq"`
		Note  string `json:"note,omitempty"`
	}
	var buf bytes.Buffer
	w := NewCSVWriter[row](&buf)
	if err := w.Append(row{Token: "a", Seq: 12345678, Note: "x,y"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := w.Append(row{Token: "b", Seq: 2}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := w.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	want := "note,seq,token\n\"x,y\",12345678,a\n,2,b\n"
	if buf.String() != want {
		t.Fatalf("got %q want %q", buf.String(), want)
	}
}
