package operator

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sort"

	"github.com/google/uuid"

	"github.com/cardvault/storefront/internal/session"
)

type fakeResolver struct {
	res session.Resolution
	err error
}

func (f fakeResolver) CurrentUser(w http.ResponseWriter, r *http.Request) (session.Resolution, error) {
	return f.res, f.err
}

func signedIn(id string) fakeResolver {
	return fakeResolver{res: session.Resolution{User: &session.User{ID: id, Email: id + "@example.com"}, SessionID: "sid-" + id}}
}

type fakeDirectory struct {
	byUser  map[string]Operator
	findErr error
	store   *fakeStore
	actors  []string
}

func newFakeDirectory(ops ...Operator) *fakeDirectory {
	d := &fakeDirectory{byUser: make(map[string]Operator), store: &fakeStore{}}
	for _, op := range ops {
		d.byUser[op.UserID] = op
		d.store.ops = append(d.store.ops, op)
	}
	return d
}

func (d *fakeDirectory) FindByUserID(ctx context.Context, userID string) (Operator, error) {
	if d.findErr != nil {
		return Operator{}, d.findErr
	}
	op, ok := d.byUser[userID]
	if !ok {
		return Operator{}, ErrNotFound
	}
	return op, nil
}

func (d *fakeDirectory) As(actorID string) Store {
	d.actors = append(d.actors, actorID)
	return d.store
}

type fakeStore struct {
	ops []Operator
	err error
}

func (s *fakeStore) ListOperators(ctx context.Context, filter ListFilter) ([]Operator, error) {
	if s.err != nil {
		return nil, s.err
	}
	var out []Operator
	for _, op := range s.ops {
		if filter.Role == "" || op.Role == filter.Role {
			out = append(out, op)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *fakeStore) GrantOperator(ctx context.Context, userID string, role Role) (Operator, error) {
	if s.err != nil {
		return Operator{}, s.err
	}
	for _, op := range s.ops {
		if op.UserID == userID {
			return Operator{}, ErrDuplicate
		}
	}
	op := Operator{ID: uuid.NewString(), UserID: userID, Role: role}
	s.ops = append(s.ops, op)
	return op, nil
}

func (s *fakeStore) RevokeOperator(ctx context.Context, id string) (Operator, error) {
	if s.err != nil {
		return Operator{}, s.err
	}
	for i, op := range s.ops {
		if op.ID == id {
			s.ops = append(s.ops[:i], s.ops[i+1:]...)
			return op, nil
		}
	}
	return Operator{}, ErrNotFound
}

func newRequest(method, target string) *http.Request {
	return httptest.NewRequest(method, target, nil)
}
