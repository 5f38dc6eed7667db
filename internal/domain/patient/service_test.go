package patient

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/medflow/medflow/internal/platform/blobstore"
	"github.com/medflow/medflow/internal/platform/events"
	"github.com/medflow/medflow/internal/platform/notification"
)

type mockMessenger struct {
	mu   sync.Mutex
	sent []*notification.Notification
	err  error
}

func (m *mockMessenger) Send(_ context.Context, n *notification.Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.sent = append(m.sent, n)
	return nil
}

type testEnv struct {
	svc    *Service
	repo   *MemoryRepo
	blobs  *blobstore.MemoryStore
	msg    *mockMessenger
	events *events.Recorder
	author Author
}

func newTestEnv() *testEnv {
	env := &testEnv{
		repo:   NewMemoryRepo(),
		blobs:  blobstore.NewMemoryStore("/api/blobs"),
		msg:    &mockMessenger{},
		events: &events.Recorder{},
		author: Author{ID: uuid.New(), Name: "Dr. Rivera"},
	}
	env.svc = NewService(env.repo, zerolog.Nop())
	env.svc.SetBlobStore(env.blobs, time.Minute)
	env.svc.SetMessenger(env.msg)
	env.svc.SetEvents(env.events)
	return env
}

func (env *testEnv) createPatient(t *testing.T, first, last string) *Patient {
	t.Helper()
	p, err := env.svc.Create(context.Background(), env.author, &CreateRequest{
		FirstName: first,
		LastName:  last,
		Phone:     "+15550100",
	})
	if err != nil {
		t.Fatalf("create patient: %v", err)
	}
	return p
}

func TestService_Create_Defaults(t *testing.T) {
	env := newTestEnv()
	p := env.createPatient(t, "Olena", "Koval")

	if p.Status != StatusIntake {
		t.Errorf("expected status %q, got %q", StatusIntake, p.Status)
	}
	if p.Language != LangEnglish {
		t.Errorf("expected language en, got %q", p.Language)
	}
	if p.Version != 1 {
		t.Errorf("expected version 1, got %d", p.Version)
	}
	if got := env.events.Types(); len(got) != 1 || got[0] != events.PatientCreated {
		t.Errorf("expected patient.created event, got %v", got)
	}
}

func TestService_Create_Validation(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	tests := []struct {
		name string
		req  CreateRequest
	}{
		{"missing first name", CreateRequest{LastName: "X"}},
		{"bad status", CreateRequest{FirstName: "A", Status: "discharged"}},
		{"bad language", CreateRequest{FirstName: "A", Language: "fr"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.svc.Create(ctx, env.author, &tt.req)
			if !errors.Is(err, ErrValidation) {
				t.Errorf("expected ErrValidation, got %v", err)
			}
		})
	}
}

func TestService_Update_Partial(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	p := env.createPatient(t, "Olena", "Koval")

	status := StatusTriage
	lang := LangUkrainian
	updated, err := env.svc.Update(ctx, p.ID, &UpdateRequest{Status: &status, Language: &lang})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if updated.Status != StatusTriage || updated.Language != LangUkrainian {
		t.Errorf("expected triage/uk, got %s/%s", updated.Status, updated.Language)
	}
	if updated.FirstName != "Olena" || updated.Phone != "+15550100" {
		t.Error("expected untouched fields to be kept")
	}
	if updated.Version != 2 {
		t.Errorf("expected version 2, got %d", updated.Version)
	}

	bad := "unknown"
	if _, err := env.svc.Update(ctx, p.ID, &UpdateRequest{Status: &bad}); !errors.Is(err, ErrValidation) {
		t.Errorf("expected ErrValidation, got %v", err)
	}
	if _, err := env.svc.Update(ctx, uuid.New(), &UpdateRequest{Status: &status}); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestService_List(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	env.createPatient(t, "Olena", "Koval")
	p2 := env.createPatient(t, "Maria", "Lopez")
	env.createPatient(t, "Ivan", "Petrenko")

	status := StatusTriage
	if _, err := env.svc.Update(ctx, p2.ID, &UpdateRequest{Status: &status}); err != nil {
		t.Fatal(err)
	}

	all, total, err := env.svc.List(ctx, ListFilter{}, 2, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if total != 3 || len(all) != 2 {
		t.Errorf("expected 2 of 3, got %d of %d", len(all), total)
	}

	triage, total, _ := env.svc.List(ctx, ListFilter{Status: StatusTriage}, 10, 0)
	if total != 1 || triage[0].ID != p2.ID {
		t.Errorf("expected only the triage patient, got %d", total)
	}

	byName, total, _ := env.svc.List(ctx, ListFilter{Query: "petr"}, 10, 0)
	if total != 1 || byName[0].LastName != "Petrenko" {
		t.Errorf("expected name search to match Petrenko, got %d", total)
	}

	if _, _, err := env.svc.List(ctx, ListFilter{Status: "bogus"}, 10, 0); !errors.Is(err, ErrValidation) {
		t.Errorf("expected ErrValidation, got %v", err)
	}
}

func TestService_Notes(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	p := env.createPatient(t, "Olena", "Koval")

	note, err := env.svc.AddNote(ctx, p.ID, env.author, &NoteRequest{Type: NoteTriage, Content: " stable "})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if note.AuthorName != "Dr. Rivera" || note.Content != "stable" {
		t.Errorf("unexpected note: %+v", note)
	}

	if _, err := env.svc.AddNote(ctx, p.ID, env.author, &NoteRequest{Type: "gossip", Content: "x"}); !errors.Is(err, ErrValidation) {
		t.Errorf("expected ErrValidation, got %v", err)
	}

	notes, err := env.svc.ListNotes(ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(notes) != 1 || notes[0].ID != note.ID {
		t.Errorf("expected the added note, got %+v", notes)
	}
}

func TestService_UploadPhoto(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	p := env.createPatient(t, "Olena", "Koval")

	key, err := env.svc.UploadPhoto(ctx, p.ID, "image/png", 4, bytes.NewReader([]byte("\x89PNG")))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	prefix := "patients/" + p.ID.String() + "/photos/"
	if !strings.HasPrefix(key, prefix) || !strings.HasSuffix(key, ".png") {
		t.Errorf("unexpected key %q", key)
	}

	urls, err := env.svc.PhotoURLs(ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(urls) != 1 || urls[0].Key != key || !strings.Contains(urls[0].URL, "expires=") {
		t.Errorf("expected one presigned url, got %+v", urls)
	}
}

func TestService_UploadPhoto_Rejects(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	p := env.createPatient(t, "Olena", "Koval")

	if _, err := env.svc.UploadPhoto(ctx, p.ID, "application/pdf", 4, strings.NewReader("%PDF")); !errors.Is(err, blobstore.ErrInvalidContentType) {
		t.Errorf("expected ErrInvalidContentType, got %v", err)
	}

	big := bytes.Repeat([]byte{0xff}, MaxPhotoSize+1)
	if _, err := env.svc.UploadPhoto(ctx, p.ID, "image/jpeg", 10, bytes.NewReader(big)); !errors.Is(err, blobstore.ErrFileTooLarge) {
		t.Errorf("expected ErrFileTooLarge for understated size, got %v", err)
	}
	if env.blobs.Len() != 0 {
		t.Errorf("expected nothing stored, got %d objects", env.blobs.Len())
	}
}

func TestService_Delete_RemovesPhotos(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	p := env.createPatient(t, "Olena", "Koval")
	if _, err := env.svc.UploadPhoto(ctx, p.ID, "image/jpeg", 3, strings.NewReader("jpg")); err != nil {
		t.Fatal(err)
	}

	if err := env.svc.Delete(ctx, p.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if env.blobs.Len() != 0 {
		t.Errorf("expected photos deleted, %d remain", env.blobs.Len())
	}
	if _, err := env.svc.Get(ctx, p.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestService_SendWhatsApp(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	p := env.createPatient(t, "Olena", "Koval")

	n, err := env.svc.SendWhatsApp(ctx, p.ID, &WhatsAppRequest{Body: "Your appointment is at 10"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n.Channel != notification.ChannelWhatsApp || n.Recipient != "+15550100" {
		t.Errorf("unexpected notification: %+v", n)
	}
	if len(env.msg.sent) != 1 {
		t.Errorf("expected 1 message sent, got %d", len(env.msg.sent))
	}

	empty := ""
	if _, err := env.svc.Update(ctx, p.ID, &UpdateRequest{Phone: &empty}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.svc.SendWhatsApp(ctx, p.ID, &WhatsAppRequest{Body: "hi"}); !errors.Is(err, ErrNoPhone) {
		t.Errorf("expected ErrNoPhone, got %v", err)
	}
}

func TestService_LinkTelegram(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	p := env.createPatient(t, "Olena", "Koval")

	if _, err := env.svc.LinkTelegram(ctx, p.ID, 4242); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, err := env.repo.GetByTelegramChat(ctx, 4242)
	if err != nil {
		t.Fatalf("expected patient by chat, got %v", err)
	}
	if got.ID != p.ID {
		t.Errorf("expected %s, got %s", p.ID, got.ID)
	}
}

func TestMemoryRepo_MutateSerializes(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	p := env.createPatient(t, "Olena", "Koval")

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			env.svc.AddNote(ctx, p.ID, env.author, &NoteRequest{Type: NoteGeneral, Content: "x"})
		}()
	}
	wg.Wait()

	got, _ := env.svc.Get(ctx, p.ID)
	if len(got.Notes) != 20 {
		t.Errorf("expected 20 notes, got %d", len(got.Notes))
	}
	if got.Version != 21 {
		t.Errorf("expected version 21, got %d", got.Version)
	}
}

func TestRxOrder_Transitions(t *testing.T) {
	now := time.Now()

	o := RxOrder{Status: RxPending}
	if err := o.Fulfill(now); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := o.Fulfill(now); !errors.Is(err, ErrAlreadyFulfilled) {
		t.Errorf("expected ErrAlreadyFulfilled, got %v", err)
	}
	if err := o.Invalidate(now, "x"); !errors.Is(err, ErrAlreadyFulfilled) {
		t.Errorf("expected ErrAlreadyFulfilled, got %v", err)
	}

	o = RxOrder{Status: RxPending}
	if err := o.Invalidate(now, " wrong dose "); err != nil {
		t.Fatal(err)
	}
	if o.InvalidationReason != "wrong dose" || o.StatusChangedAt == nil {
		t.Errorf("unexpected order: %+v", o)
	}
	if err := o.Fulfill(now); !errors.Is(err, ErrAlreadyInvalidated) {
		t.Errorf("expected ErrAlreadyInvalidated, got %v", err)
	}
}

func TestTruncateID(t *testing.T) {
	id := uuid.MustParse("3f2a9c1e-1111-2222-3333-444455556666")
	if got := TruncateID(id); got != "3f2a9c1e" {
		t.Errorf("expected 3f2a9c1e, got %s", got)
	}
}
