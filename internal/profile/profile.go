// Package profile manages user documents.
package profile

import (
	"context"
	"errors"
	"fmt"
	"strings"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/infinitchat/internal/store"
	"github.com/petervdpas/infinitchat/internal/util"
)

var log = logging.Logger("profile")

var (
	// ErrNameTaken is returned before any write when another user already
	// has the requested display name. The check is not atomic with the
	// write; two concurrent signups can still pick the same name.
	ErrNameTaken   = errors.New("display name already taken")
	ErrInvalidName = errors.New("invalid display name")
	ErrNoUserID    = errors.New("user id is required")
)

// User is the users/{id} document.
type User struct {
	ID          string   `json:"id"`
	DisplayName string   `json:"displayName"`
	Email       string   `json:"email"`
	PhotoURL    string   `json:"photoURL"`
	BannerURL   string   `json:"bannerURL"`
	Bio         string   `json:"bio"`
	IsOnline    bool     `json:"isOnline"`
	LastSeen    int64    `json:"lastSeen"`
	Friends     []string `json:"friends"`
	CreatedAt   int64    `json:"createdAt"`
}

// IsFriend reports whether id is in u's friend list.
func (u User) IsFriend(id string) bool {
	for _, f := range u.Friends {
		if f == id {
			return true
		}
	}
	return false
}

// Account is what the auth provider knows about a new user.
type Account struct {
	ID          string
	Email       string
	DisplayName string
	PhotoURL    string
}

// Changes is a partial profile update; nil fields are left alone.
type Changes struct {
	DisplayName *string
	PhotoURL    *string
	BannerURL   *string
	Bio         *string
}

// Service reads and writes user documents.
type Service struct {
	st store.Store
}

func New(st store.Store) *Service {
	return &Service{st: st}
}

func userPath(id string) store.Path { return store.At(store.CollectionUsers, id) }

// NameAvailable reports whether no user has exactly name.
func (s *Service) NameAvailable(ctx context.Context, name string) (bool, error) {
	docs, err := s.st.Query(ctx, store.Collection(store.CollectionUsers).WhereEq("displayName", name).Take(1))
	if err != nil {
		return false, fmt.Errorf("check display name: %w", err)
	}
	return len(docs) == 0, nil
}

// Signup creates the user document after checking the display name.
// The new user starts online with no friends.
func (s *Service) Signup(ctx context.Context, acct Account) (User, error) {
	if strings.TrimSpace(acct.ID) == "" {
		return User{}, ErrNoUserID
	}
	name, err := util.ValidateDisplayName(acct.DisplayName)
	if err != nil {
		return User{}, fmt.Errorf("%w: %v", ErrInvalidName, err)
	}
	ok, err := s.NameAvailable(ctx, name)
	if err != nil {
		return User{}, err
	}
	if !ok {
		return User{}, ErrNameTaken
	}

	err = s.st.Set(ctx, userPath(acct.ID), store.Fields{
		"uid":         acct.ID,
		"displayName": name,
		"email":       acct.Email,
		"photoURL":    acct.PhotoURL,
		"bannerURL":   "",
		"bio":         "",
		"isOnline":    true,
		"friends":     []string{},
		"createdAt":   store.ServerTimestamp(),
	})
	if err != nil {
		return User{}, fmt.Errorf("create user: %w", err)
	}
	log.Infof("PROFILE [%s]: signed up as %q", acct.ID, name)
	return s.Get(ctx, acct.ID)
}

// Ensure returns the existing user document or signs the account up.
func (s *Service) Ensure(ctx context.Context, acct Account) (User, bool, error) {
	u, err := s.Get(ctx, acct.ID)
	if err == nil {
		return u, false, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return User{}, false, err
	}
	u, err = s.Signup(ctx, acct)
	return u, err == nil, err
}

// Get loads one user.
func (s *Service) Get(ctx context.Context, id string) (User, error) {
	d, err := s.st.Get(ctx, userPath(id))
	if err != nil {
		return User{}, err
	}
	var u User
	if err := d.Decode(&u); err != nil {
		return User{}, err
	}
	return u, nil
}

// Update applies c to user id. A display-name change is checked for
// uniqueness first; keeping the current name is always allowed.
func (s *Service) Update(ctx context.Context, id string, c Changes) error {
	cur, err := s.Get(ctx, id)
	if err != nil {
		return err
	}

	f := store.Fields{}
	if c.DisplayName != nil {
		name, err := util.ValidateDisplayName(*c.DisplayName)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidName, err)
		}
		if name != cur.DisplayName {
			ok, err := s.NameAvailable(ctx, name)
			if err != nil {
				return err
			}
			if !ok {
				return ErrNameTaken
			}
			f["displayName"] = name
		}
	}
	if c.PhotoURL != nil {
		f["photoURL"] = *c.PhotoURL
	}
	if c.BannerURL != nil {
		f["bannerURL"] = *c.BannerURL
	}
	if c.Bio != nil {
		f["bio"] = strings.TrimSpace(*c.Bio)
	}
	if len(f) == 0 {
		return nil
	}
	if err := s.st.Update(ctx, userPath(id), f); err != nil {
		return fmt.Errorf("update profile: %w", err)
	}
	return nil
}

// List returns every user except exclude.
func (s *Service) List(ctx context.Context, exclude string) ([]User, error) {
	docs, err := s.st.Query(ctx, store.Collection(store.CollectionUsers))
	if err != nil {
		return nil, err
	}
	users, err := store.DecodeAll[User](docs)
	if err != nil {
		return nil, err
	}
	out := users[:0]
	for _, u := range users {
		if u.ID != exclude {
			out = append(out, u)
		}
	}
	return out, nil
}

// Search returns users other than exclude whose display name contains q,
// ignoring case. A blank q matches nobody.
func (s *Service) Search(ctx context.Context, q, exclude string) ([]User, error) {
	q = strings.ToLower(strings.TrimSpace(q))
	if q == "" {
		return nil, nil
	}
	users, err := s.List(ctx, exclude)
	if err != nil {
		return nil, err
	}
	var out []User
	for _, u := range users {
		if strings.Contains(strings.ToLower(u.DisplayName), q) {
			out = append(out, u)
		}
	}
	return out, nil
}

// FriendsOf filters users down to self's friends.
func FriendsOf(users []User, self User) []User {
	var out []User
	for _, u := range users {
		if self.IsFriend(u.ID) {
			out = append(out, u)
		}
	}
	return out
}

// Watch streams user id's document. The channel is closed when ctx ends or
// cancel is called.
func (s *Service) Watch(ctx context.Context, id string) (<-chan User, func(), error) {
	q := store.Collection(store.CollectionUsers).WhereEq("id", id)
	return store.Watch(ctx, s.st, q, func(snap store.Snapshot) (User, bool) {
		if len(snap.Docs) == 0 {
			return User{}, false
		}
		var u User
		if err := snap.Docs[0].Decode(&u); err != nil {
			log.Warnf("PROFILE [%s]: decode: %v", id, err)
			return User{}, false
		}
		return u, true
	})
}
