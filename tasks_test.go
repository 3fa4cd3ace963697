package mrdb

import (
	"testing"
	"time"
)

func TestTasks(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s *testStore) {
		var ids []Etag
		s.Write(func(a *Accessor) {
			ensure(a.Indexing.AddIndex("idx", false))
			ensure(a.Indexing.AddIndex("other", false))
			ids = append(ids, must(a.Tasks.AddTask("idx", "touch-references", raw(`{"keys":["a"]}`))))
		})
		s.Clock.Advance(time.Minute)
		s.Write(func(a *Accessor) {
			ids = append(ids, must(a.Tasks.AddTask("IDX", "remove-from-index", nil)))
			must(a.Tasks.AddTask("other", "remove-from-index", nil))
			if _, err := a.Tasks.AddTask("nope", "x", nil); !IsNotFound(err) {
				t.Errorf("AddTask on unknown index = %v", err)
			}
		})
		s.Read(func(a *Accessor) {
			tasks := must(a.Tasks.GetTasks("idx", 0))
			deepEqual(t, len(tasks), 2)
			deepEqual(t, tasks[0].ID, ids[0])
			deepEqual(t, tasks[0].Kind, "touch-references")
			deepEqual(t, string(tasks[0].Payload), `{"keys":["a"]}`)
			deepEqual(t, tasks[1].Index, "IDX")
			deepEqual(t, len(must(a.Tasks.GetTasks("idx", 1))), 1)

			earliest := nonNil(must(a.Tasks.EarliestTask("idx")))
			deepEqual(t, earliest.ID, ids[0])
			deepEqual(t, a.Tasks.HasTasks("other"), true)
		})
		s.Write(func(a *Accessor) {
			ensure(a.Tasks.DeleteTasks("idx", ids))
		})
		s.Read(func(a *Accessor) {
			deepEqual(t, a.Tasks.HasTasks("idx"), false)
			isnil(t, must(a.Tasks.EarliestTask("idx")))
			deepEqual(t, a.Tasks.HasTasks("other"), true)
		})
		s.Write(func(a *Accessor) {
			ensure(a.Indexing.DeleteIndex("other"))
		})
		s.Read(func(a *Accessor) {
			deepEqual(t, a.Tasks.HasTasks("other"), false)
		})
	})
}
