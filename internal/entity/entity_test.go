package entity

import (
	"context"
	"errors"
	"testing"
)

type fakeBuffer struct {
	senders [][2]string
	images  []string
}

func (f *fakeBuffer) Senders() [][2]string { return f.senders }
func (f *fakeBuffer) ImageRefs() []string  { return f.images }

type fakeDirectory struct {
	members []Party
	friends []Party
	err     error
	calls   int
}

func (f *fakeDirectory) ListGroupMembers(_ context.Context, _ string) ([]Party, error) {
	f.calls++
	return f.members, f.err
}

func (f *fakeDirectory) ListFriends(_ context.Context) ([]Party, error) {
	f.calls++
	return f.friends, f.err
}

func (f *fakeDirectory) GetMemberInfo(_ context.Context, _, id string) (Party, error) {
	for _, p := range f.members {
		if p.ID == id {
			return p, nil
		}
	}
	return Party{}, errors.New("not found")
}

func TestFindUserNumericID(t *testing.T) {
	r := &Resolver{Buffer: &fakeBuffer{senders: [][2]string{{"10086", "Alice"}}}}
	p, ok := r.FindUser(context.Background(), "10086")
	if !ok || p.ID != "10086" || p.Name != "Alice" {
		t.Fatalf("got %+v ok=%v", p, ok)
	}
}

func TestFindUserDecoratedAlias(t *testing.T) {
	r := &Resolver{}
	p, ok := r.FindUser(context.Background(), "Bob Smith(42)")
	if !ok || p.ID != "42" || p.Name != "Bob Smith" {
		t.Fatalf("got %+v ok=%v", p, ok)
	}
}

func TestFindUserSessionIdentity(t *testing.T) {
	r := &Resolver{SessionID: "7", SessionName: "Carol"}
	p, ok := r.FindUser(context.Background(), "Carol")
	if !ok || p.ID != "7" {
		t.Fatalf("got %+v ok=%v", p, ok)
	}
}

func TestFindUserBufferNewestFirst(t *testing.T) {
	buf := &fakeBuffer{senders: [][2]string{{"2", "Dave"}, {"1", "Dave"}}}
	r := &Resolver{Buffer: buf}
	p, ok := r.FindUser(context.Background(), "Dave")
	if !ok || p.ID != "2" {
		t.Fatalf("got %+v ok=%v, newest sender must win", p, ok)
	}
}

func TestFindUserFuzzyRequiresLongName(t *testing.T) {
	buf := &fakeBuffer{senders: [][2]string{{"1", "Evelyn"}}}
	r := &Resolver{Buffer: buf}

	if p, ok := r.FindUser(context.Background(), "Evelynn"); !ok || p.ID != "1" {
		t.Errorf("long name fuzzy match failed: %+v ok=%v", p, ok)
	}
	// Short inputs never fuzz: "Eva" would be within distance 3 of nothing
	// useful and must simply miss.
	if _, ok := r.FindUser(context.Background(), "Eva"); ok {
		t.Error("short name must not fuzzy match")
	}
}

func TestFindUserDirectoryFallback(t *testing.T) {
	dir := &fakeDirectory{members: []Party{{ID: "55", Name: "Frank"}}}
	r := &Resolver{IsGroup: true, GroupID: "g1", Dir: dir}
	p, ok := r.FindUser(context.Background(), "Frank")
	if !ok || p.ID != "55" {
		t.Fatalf("got %+v ok=%v", p, ok)
	}
	if dir.calls != 1 {
		t.Errorf("directory calls = %d", dir.calls)
	}
}

func TestFindUserDirectoryFailureDegrades(t *testing.T) {
	dir := &fakeDirectory{err: errors.New("network down")}
	r := &Resolver{IsGroup: true, GroupID: "g1", Dir: dir}
	if _, ok := r.FindUser(context.Background(), "Nobody Here"); ok {
		t.Error("directory failure must resolve to a miss, not an error")
	}
}

func TestFindUserSessionNameFuzzyLast(t *testing.T) {
	r := &Resolver{SessionID: "9", SessionName: "Gabriel"}
	p, ok := r.FindUser(context.Background(), "Gabriell")
	if !ok || p.ID != "9" {
		t.Fatalf("got %+v ok=%v", p, ok)
	}
}

func TestIgnoreListSuppressesEveryStage(t *testing.T) {
	buf := &fakeBuffer{senders: [][2]string{{"13", "Hector"}}}
	r := &Resolver{Buffer: buf, Ignore: func(id string) bool { return id == "13" }}

	if _, ok := r.FindUser(context.Background(), "13"); ok {
		t.Error("ignored numeric id resolved")
	}
	if _, ok := r.FindUser(context.Background(), "Hector(13)"); ok {
		t.Error("ignored decorated id resolved")
	}
	if _, ok := r.FindUser(context.Background(), "Hector"); ok {
		t.Error("ignored buffer sender resolved")
	}
}

func TestFindGroup(t *testing.T) {
	r := &Resolver{IsGroup: true, GroupID: "777", SessionName: "tea club"}
	if p, ok := r.FindGroup("777"); !ok || p.ID != "777" {
		t.Errorf("numeric group = %+v ok=%v", p, ok)
	}
	if p, ok := r.FindGroup("tea club"); !ok || p.ID != "777" {
		t.Errorf("session group = %+v ok=%v", p, ok)
	}
	if _, ok := r.FindGroup("chess club"); ok {
		t.Error("unrelated group name resolved")
	}
}

type fakeImages []string

func (f fakeImages) ImageRefs() []string { return f }

func TestFindImageChain(t *testing.T) {
	buf := &fakeBuffer{
		senders: [][2]string{{"1", "Alice"}},
		images:  []string{"file:///chat/photo_1.png"},
	}
	r := &Resolver{
		SessionID: "1",
		Buffer:    buf,
		Assets:    map[string]string{"logo": "file:///assets/logo.png"},
		PartyImages: func(id string) (ImageSource, bool) {
			if id == "1" {
				return fakeImages{"file:///mem/teacup.jpg"}, true
			}
			return nil, false
		},
		AvatarURL: func(kind, id string) (string, bool) {
			return "https://cdn.example/" + kind + "/" + id, true
		},
	}

	if ref, ok := r.FindImage("photo_1"); !ok || ref != "file:///chat/photo_1.png" {
		t.Errorf("buffer attachment = %q ok=%v", ref, ok)
	}
	if ref, ok := r.FindImage("teacup"); !ok || ref != "file:///mem/teacup.jpg" {
		t.Errorf("party memory image = %q ok=%v", ref, ok)
	}
	if ref, ok := r.FindImage("logo"); !ok || ref != "file:///assets/logo.png" {
		t.Errorf("asset = %q ok=%v", ref, ok)
	}
	if ref, ok := r.FindImage("user_avatar:1"); !ok || ref != "https://cdn.example/user/1" {
		t.Errorf("avatar = %q ok=%v", ref, ok)
	}
	if _, ok := r.FindImage("missing"); ok {
		t.Error("unknown image resolved")
	}
}
