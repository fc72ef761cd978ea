package models

import (
	"reflect"
	"strings"
	"testing"
)

// gormTag extracts the gorm tag from a struct field.
func gormTag(t *testing.T, typ reflect.Type, fieldName string) string {
	t.Helper()
	f, ok := typ.FieldByName(fieldName)
	if !ok {
		t.Fatalf("%s.%s: field not found", typ.Name(), fieldName)
	}
	return f.Tag.Get("gorm")
}

// assertGormTag checks that a struct field's gorm tag contains the expected value.
func assertGormTag(t *testing.T, typ reflect.Type, fieldName, expected string) {
	t.Helper()
	tag := gormTag(t, typ, fieldName)
	if !strings.Contains(tag, expected) {
		t.Errorf("%s.%s gorm tag = %q, want to contain %q", typ.Name(), fieldName, tag, expected)
	}
}

func TestMessage_MailboxIndex(t *testing.T) {
	typ := reflect.TypeOf(Message{})

	assertGormTag(t, typ, "ID", "primaryKey")
	assertGormTag(t, typ, "SessionID", "index:idx_mailbox,priority:1")
	assertGormTag(t, typ, "ToAgent", "index:idx_mailbox,priority:2")
	assertGormTag(t, typ, "Seq", "index:idx_mailbox,priority:3")
	assertGormTag(t, typ, "Body", "type:text")
	assertGormTag(t, typ, "Read", "column:is_read")
	assertGormTag(t, typ, "Read", "default:false")
}

func TestTask_CompositeKey(t *testing.T) {
	typ := reflect.TypeOf(Task{})

	assertGormTag(t, typ, "SessionID", "primaryKey")
	assertGormTag(t, typ, "ID", "primaryKey")
	assertGormTag(t, typ, "ID", "autoIncrement:false")
	assertGormTag(t, typ, "Status", "default:open")
	assertGormTag(t, typ, "Status", "index")
	assertGormTag(t, typ, "Owner", "index")
}

func TestTaskDep_Fields(t *testing.T) {
	typ := reflect.TypeOf(TaskDep{})

	assertGormTag(t, typ, "SessionID", "primaryKey")
	assertGormTag(t, typ, "TaskID", "primaryKey")
	assertGormTag(t, typ, "DependsOn", "primaryKey")
}

func TestTaskCounter_Fields(t *testing.T) {
	typ := reflect.TypeOf(TaskCounter{})

	assertGormTag(t, typ, "SessionID", "primaryKey")
	assertGormTag(t, typ, "HighWater", "not null")
}

func TestSessionRecord_Fields(t *testing.T) {
	typ := reflect.TypeOf(SessionRecord{})

	assertGormTag(t, typ, "ID", "primaryKey")
	assertGormTag(t, typ, "Status", "default:running")
	assertGormTag(t, typ, "Team", "type:text")

	f, _ := typ.FieldByName("EndedAt")
	if got := f.Type.String(); got != "*time.Time" {
		t.Errorf("SessionRecord.EndedAt type = %q, want *time.Time", got)
	}
}

func TestHistoryEvent_Fields(t *testing.T) {
	typ := reflect.TypeOf(HistoryEvent{})

	assertGormTag(t, typ, "SessionID", "index")
	assertGormTag(t, typ, "Kind", "index")
	assertGormTag(t, typ, "Payload", "type:text")
}
