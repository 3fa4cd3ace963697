package mrdb

import (
	"encoding/json"
)

// TasksAccessor keeps background work queued against indexes.
//
//	tasks: fold(index) id => Task
type TasksAccessor struct {
	tx *batchTx
}

func (ta *TasksAccessor) AddTask(index, kind string, payload json.RawMessage) (Etag, error) {
	tx := ta.tx
	if tx.root(indexStatsBucket).Get(foldedKey(index)) == nil {
		return ZeroEtag, indexNotFound(index)
	}
	task := &Task{
		ID:      tx.nextEtag(),
		Index:   index,
		Kind:    kind,
		Payload: payload,
		AddedAt: tx.now(),
	}
	return task.ID, tx.put(tx.root(tasksBucket), appendKeyEtag(foldedKey(index), task.ID), task)
}

// GetTasks returns the oldest tasks of the index first.
func (ta *TasksAccessor) GetTasks(index string, take int) ([]*Task, error) {
	var result []*Task
	for _, v := range scan(ta.tx.root(tasksBucket), prefixRange(foldedKey(index))) {
		if take > 0 && len(result) >= take {
			break
		}
		task := new(Task)
		if err := decodeValue(v, task); err != nil {
			return nil, err
		}
		result = append(result, task)
	}
	return result, nil
}

func (ta *TasksAccessor) DeleteTasks(index string, ids []Etag) error {
	b := ta.tx.root(tasksBucket)
	prefix := foldedKey(index)
	for _, id := range ids {
		if err := ta.tx.del(b, appendKeyEtag(prefix, id)); err != nil {
			return err
		}
	}
	return nil
}

func (ta *TasksAccessor) HasTasks(index string) bool {
	for range scan(ta.tx.root(tasksBucket), prefixRange(foldedKey(index))) {
		return true
	}
	return false
}

// EarliestTask returns the task with the smallest AddedAt, or nil.
func (ta *TasksAccessor) EarliestTask(index string) (*Task, error) {
	tasks, err := ta.GetTasks(index, 0)
	if err != nil {
		return nil, err
	}
	var earliest *Task
	for _, t := range tasks {
		if earliest == nil || t.AddedAt.Before(earliest.AddedAt) {
			earliest = t
		}
	}
	return earliest, nil
}
