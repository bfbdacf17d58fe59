package activitypub

import (
	"context"
	"errors"
	"testing"

	"github.com/deemkeen/federator/domain"
	"github.com/google/uuid"
)

func TestEnqueueInvalidatesSameObjectAndType(t *testing.T) {
	e := setupEngine(t)
	ctx := context.Background()
	actor := createActor(t, e, "alice")

	first, err := e.Outbox.Enqueue(ctx, note("https://x/1", nil), "Create", actor.Id, domain.VisibilityPublic)
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	second, err := e.Outbox.Enqueue(ctx, note("https://x/1", nil), "Create", actor.Id, domain.VisibilityPublic)
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	if first == second {
		t.Fatal("Expected a new item id")
	}
	if status := itemStatus(t, e, first); status != domain.StatusComplete {
		t.Errorf("Expected first item complete, got %s", status)
	}
	if status := itemStatus(t, e, second); status != domain.StatusPending {
		t.Errorf("Expected second item pending, got %s", status)
	}

	pending, _ := e.DB.ReadPendingOutboxItems(ctx, 10)
	if len(pending) != 1 {
		t.Errorf("Expected exactly one pending item, got %d", len(pending))
	}

	// the superseded item's job is gone, only the new one remains
	if n, _ := e.DB.CountBatchJobs(ctx, first); n != 0 {
		t.Errorf("Expected no jobs for the superseded item, got %d", n)
	}
	if n, _ := e.DB.CountBatchJobs(ctx, second); n != 1 {
		t.Errorf("Expected a process job for the new item, got %d", n)
	}
}

func TestEnqueueKeepsOtherTypesAndObjects(t *testing.T) {
	e := setupEngine(t)
	ctx := context.Background()
	actor := createActor(t, e, "alice")

	create, _ := e.Outbox.Enqueue(ctx, note("https://x/1", nil), "Create", actor.Id, domain.VisibilityPublic)
	update, _ := e.Outbox.Enqueue(ctx, note("https://x/1", nil), "Update", actor.Id, domain.VisibilityPublic)
	other, _ := e.Outbox.Enqueue(ctx, note("https://x/2", nil), "Create", actor.Id, domain.VisibilityPublic)

	for _, id := range []uuid.UUID{create, update, other} {
		if status := itemStatus(t, e, id); status != domain.StatusPending {
			t.Errorf("Expected item %s pending, got %s", id, status)
		}
	}
}

func TestDeleteCompletesEveryPendingType(t *testing.T) {
	e := setupEngine(t)
	ctx := context.Background()
	actor := createActor(t, e, "alice")

	create, _ := e.Outbox.Enqueue(ctx, note("https://x/1", nil), "Create", actor.Id, domain.VisibilityPublic)
	update, _ := e.Outbox.Enqueue(ctx, note("https://x/1", nil), "Update", actor.Id, domain.VisibilityPublic)
	announce, _ := e.Outbox.Enqueue(ctx, note("https://x/1", nil), "Announce", actor.Id, domain.VisibilityPublic)
	unrelated, _ := e.Outbox.Enqueue(ctx, note("https://x/2", nil), "Update", actor.Id, domain.VisibilityPublic)

	del, err := e.Outbox.Enqueue(ctx, note("https://x/1", nil), "Delete", actor.Id, domain.VisibilityPublic)
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	for _, id := range []uuid.UUID{create, update, announce} {
		if status := itemStatus(t, e, id); status != domain.StatusComplete {
			t.Errorf("Expected item %s complete after Delete, got %s", id, status)
		}
	}
	if status := itemStatus(t, e, unrelated); status != domain.StatusPending {
		t.Errorf("Expected unrelated item pending, got %s", status)
	}
	if status := itemStatus(t, e, del); status != domain.StatusPending {
		t.Errorf("Expected Delete pending, got %s", status)
	}
}

func TestEnqueueAudienceByVisibility(t *testing.T) {
	e := setupEngine(t)
	ctx := context.Background()
	actor := createActor(t, e, "alice")
	mention := "https://remote.example/users/bob"

	tests := []struct {
		visibility domain.Visibility
		to         []string
		cc         []string
	}{
		{domain.VisibilityPublic, []string{domain.PublicCollection, mention}, []string{actor.FollowersURI}},
		{domain.VisibilityUnlisted, []string{actor.FollowersURI, mention}, []string{domain.PublicCollection}},
		{domain.VisibilityFollowers, []string{actor.FollowersURI, mention}, nil},
		{domain.VisibilityDirect, []string{mention}, nil},
		{"", []string{domain.PublicCollection, mention}, []string{actor.FollowersURI}},
	}

	for i, tt := range tests {
		t.Run(string(tt.visibility), func(t *testing.T) {
			obj := note("https://x/"+string(rune('a'+i)), map[string]interface{}{"to": []interface{}{mention}})
			id, err := e.Outbox.Enqueue(ctx, obj, "Create", actor.Id, tt.visibility)
			if err != nil {
				t.Fatalf("Enqueue failed: %v", err)
			}
			activity, err := e.Outbox.GetActivity(ctx, id)
			if err != nil {
				t.Fatalf("GetActivity failed: %v", err)
			}
			if !equalStrings(activity.To, tt.to) {
				t.Errorf("Expected to %v, got %v", tt.to, activity.To)
			}
			if !equalStrings(activity.Cc, tt.cc) {
				t.Errorf("Expected cc %v, got %v", tt.cc, activity.Cc)
			}
			if activity.Actor != actor.ActorURI {
				t.Errorf("Expected actor %s, got %s", actor.ActorURI, activity.Actor)
			}
		})
	}
}

func TestEnqueueReducesLikeAndDeleteToId(t *testing.T) {
	e := setupEngine(t)
	ctx := context.Background()
	actor := createActor(t, e, "alice")

	for _, activityType := range []string{"Like", "Delete"} {
		id, err := e.Outbox.Enqueue(ctx, note("https://remote.example/notes/9", nil), activityType, actor.Id, domain.VisibilityPublic)
		if err != nil {
			t.Fatalf("Enqueue %s failed: %v", activityType, err)
		}
		activity, _ := e.Outbox.GetActivity(ctx, id)
		if obj, ok := activity.Object.(string); !ok || obj != "https://remote.example/notes/9" {
			t.Errorf("Expected %s to carry the bare object id, got %#v", activityType, activity.Object)
		}
	}
}

func TestEnqueueUnknownActor(t *testing.T) {
	e := setupEngine(t)

	_, err := e.Outbox.Enqueue(context.Background(), note("https://x/1", nil), "Create", uuid.New(), domain.VisibilityPublic)
	if !errors.Is(err, domain.ErrActorUnresolvable) {
		t.Errorf("Expected ErrActorUnresolvable, got %v", err)
	}
}

func TestEnqueueRespectsClassifier(t *testing.T) {
	disabled := ClassifierFunc(func(object interface{}) bool {
		return domain.ObjectID(object) == "https://x/private"
	})
	e := setupEngine(t, WithClassifier(disabled))
	ctx := context.Background()
	actor := createActor(t, e, "alice")

	if _, err := e.Outbox.Enqueue(ctx, note("https://x/private", nil), "Create", actor.Id, domain.VisibilityPublic); !errors.Is(err, domain.ErrFederationDisabled) {
		t.Errorf("Expected ErrFederationDisabled, got %v", err)
	}
	if _, err := e.Outbox.Enqueue(ctx, note("https://x/public", nil), "Create", actor.Id, domain.VisibilityPublic); err != nil {
		t.Errorf("Expected federated object to be queued, got %v", err)
	}
	// deleting a disabled object is still allowed
	if _, err := e.Outbox.Enqueue(ctx, note("https://x/private", nil), "Delete", actor.Id, domain.VisibilityPublic); err != nil {
		t.Errorf("Expected Delete to be queued, got %v", err)
	}
}

func TestUndo(t *testing.T) {
	e := setupEngine(t)
	ctx := context.Background()
	actor := createActor(t, e, "alice")

	t.Run("Update becomes Undo of the full activity", func(t *testing.T) {
		updateId, _ := e.Outbox.Enqueue(ctx, note("https://x/1", nil), "Update", actor.Id, domain.VisibilityPublic)
		update, _ := e.Outbox.GetActivity(ctx, updateId)

		undoId, err := e.Outbox.Undo(ctx, updateId)
		if err != nil {
			t.Fatalf("Undo failed: %v", err)
		}
		undo, _ := e.Outbox.GetActivity(ctx, undoId)
		if undo.Type != "Undo" {
			t.Fatalf("Expected Undo, got %s", undo.Type)
		}

		wrapped, ok := undo.Object.(map[string]interface{})
		if !ok {
			t.Fatalf("Expected embedded activity, got %#v", undo.Object)
		}
		if wrapped["id"] != update.ID || wrapped["type"] != "Update" {
			t.Errorf("Expected wrapped Update %s, got %v", update.ID, wrapped)
		}
		inner, ok := wrapped["object"].(map[string]interface{})
		if !ok || inner["content"] != "hello fediverse" {
			t.Errorf("Expected the full original object, got %#v", wrapped["object"])
		}
	})

	t.Run("Create becomes Delete of the bare id", func(t *testing.T) {
		createId, _ := e.Outbox.Enqueue(ctx, note("https://x/2", nil), "Create", actor.Id, domain.VisibilityPublic)

		deleteId, err := e.Outbox.Undo(ctx, createId)
		if err != nil {
			t.Fatalf("Undo failed: %v", err)
		}
		del, _ := e.Outbox.GetActivity(ctx, deleteId)
		if del.Type != "Delete" {
			t.Fatalf("Expected Delete, got %s", del.Type)
		}
		if obj, ok := del.Object.(string); !ok || obj != "https://x/2" {
			t.Errorf("Expected bare object id, got %#v", del.Object)
		}
		if status := itemStatus(t, e, createId); status != domain.StatusComplete {
			t.Errorf("Expected the pending Create to be invalidated, got %s", status)
		}
	})

	t.Run("Add becomes Remove", func(t *testing.T) {
		addId, _ := e.Outbox.Enqueue(ctx, note("https://x/3", nil), "Add", actor.Id, domain.VisibilityPublic)
		removeId, err := e.Outbox.Undo(ctx, addId)
		if err != nil {
			t.Fatalf("Undo failed: %v", err)
		}
		remove, _ := e.Outbox.GetActivity(ctx, removeId)
		if remove.Type != "Remove" || remove.ObjectID() != "https://x/3" {
			t.Errorf("Expected Remove of https://x/3, got %s %s", remove.Type, remove.ObjectID())
		}
	})

	t.Run("missing item", func(t *testing.T) {
		_, err := e.Outbox.Undo(ctx, uuid.New())
		var nf *domain.NotFoundError
		if !errors.As(err, &nf) {
			t.Errorf("Expected NotFoundError, got %v", err)
		}
	})
}

func TestReschedule(t *testing.T) {
	e := setupEngine(t)
	ctx := context.Background()
	actor := createActor(t, e, "alice")

	id, _ := e.Outbox.Enqueue(ctx, note("https://x/1", nil), "Create", actor.Id, domain.VisibilityPublic)
	e.DB.AdvanceOutboxOffset(ctx, id, 100)
	e.DB.CompleteOutboxItem(ctx, id)
	e.Scheduler.UnscheduleItem(ctx, id)

	if err := e.Outbox.Reschedule(ctx, id); err != nil {
		t.Fatalf("Reschedule failed: %v", err)
	}
	item, _ := e.DB.ReadOutboxItem(ctx, id)
	if !item.IsPending() || item.Offset != nil {
		t.Errorf("Expected pending item without offset, got %+v", item)
	}
	if _, ok, _ := e.Scheduler.NextScheduled(ctx, domain.JobKey{Kind: domain.JobProcess, ItemId: id}); !ok {
		t.Error("Expected a process job to be scheduled")
	}

	if err := e.Outbox.Reschedule(ctx, uuid.New()); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

type typedNote struct {
	ID      string   `json:"id"`
	Type    string   `json:"type"`
	Content string   `json:"content"`
	To      []string `json:"to,omitempty"`
}

func TestEnqueueTypedObjects(t *testing.T) {
	e := setupEngine(t)
	ctx := context.Background()
	actor := createActor(t, e, "alice")
	obj := typedNote{ID: "https://x/1", Type: "Note", Content: "hi", To: []string{"https://remote.example/users/bob"}}

	first, err := e.Outbox.Enqueue(ctx, obj, "Create", actor.Id, domain.VisibilityPublic)
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	second, err := e.Outbox.Enqueue(ctx, &obj, "Create", actor.Id, domain.VisibilityPublic)
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if status := itemStatus(t, e, first); status != domain.StatusComplete {
		t.Errorf("Expected the first typed item superseded, got %s", status)
	}

	activity, err := e.Outbox.GetActivity(ctx, second)
	if err != nil {
		t.Fatalf("GetActivity failed: %v", err)
	}
	if activity.ObjectID() != "https://x/1" {
		t.Errorf("Expected object id https://x/1, got %q", activity.ObjectID())
	}
	found := false
	for _, to := range activity.To {
		if to == "https://remote.example/users/bob" {
			found = true
		}
	}
	if !found {
		t.Errorf("Expected the object's audience to be merged, got %v", activity.To)
	}

	del, err := e.Outbox.Enqueue(ctx, obj, "Delete", actor.Id, domain.VisibilityPublic)
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if status := itemStatus(t, e, second); status != domain.StatusComplete {
		t.Errorf("Expected Delete to supersede the typed Create, got %s", status)
	}
	pending, _ := e.DB.ReadPendingOutboxItems(ctx, 10)
	if len(pending) != 1 || pending[0].Id != del {
		t.Errorf("Expected only the Delete pending, got %d items", len(pending))
	}

	deletion, _ := e.Outbox.GetActivity(ctx, del)
	if id, ok := deletion.Object.(string); !ok || id != "https://x/1" {
		t.Errorf("Expected Delete to carry the bare id, got %v", deletion.Object)
	}
}
