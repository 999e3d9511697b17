package user

import (
	"context"
	"sync"

	"opencollab/internal/model"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// MemoryRepo serves deployments without a mongo instance and the tests.
type MemoryRepo struct {
	mu    sync.Mutex
	users map[primitive.ObjectID]*model.User
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{users: make(map[primitive.ObjectID]*model.User)}
}

func (r *MemoryRepo) GetByName(_ context.Context, name string) (*model.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range r.users {
		if u.Name == name {
			copy := *u
			return &copy, nil
		}
	}
	return nil, nil
}

func (r *MemoryRepo) GetByID(_ context.Context, id string) (*model.User, error) {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return nil, nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[oid]
	if !ok {
		return nil, nil
	}
	copy := *u
	return &copy, nil
}

func (r *MemoryRepo) Create(_ context.Context, user *model.User) (primitive.ObjectID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := primitive.NewObjectID()
	user.ID = id
	stored := *user
	r.users[id] = &stored
	return id, nil
}

func (r *MemoryRepo) SetPublicKey(_ context.Context, id primitive.ObjectID, publicKey []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if u, ok := r.users[id]; ok {
		u.PublicKey = append([]byte(nil), publicKey...)
	}
	return nil
}
