package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/preslavrachev/datastore/auth"
)

var (
	createdTime = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	updatedTime = time.Date(2024, 2, 1, 12, 0, 0, 0, time.UTC)
	removedTime = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
)

func lower(v any, _ FieldContext) (any, error) {
	if s, ok := v.(string); ok {
		return strings.ToLower(s), nil
	}
	return v, nil
}

func accountSchema(t *testing.T) *Schema {
	t.Helper()
	s, err := NewSchema("Account",
		NewField("id", TypeString).Primary().DefaultFunc(func() any { return "gen-1" }),
		NewField("email", TypeString).Required().Set(TransformFunc(lower)).
			Validate(Check(func(v any) bool { return strings.Contains(fmt.Sprint(v), "@") }, "must contain @")),
		NewField("role", TypeString).Default("user").Choices("user", "admin").Permission("admin"),
		NewField("username", TypeString).Required().Immutable(),
		NewField("password", TypeString).Hidden(HiddenAlways),
		NewField("notes", TypeString).Hidden(HiddenByDefault),
		NewField("salary", TypeNumber).ReadPermission("hr"),
		NewField("createdAt", TypeDate).ReadOnly().OnCreate(Static(createdTime)),
		NewField("updatedAt", TypeDate).OnUpdate(Static(updatedTime)),
		NewField("deletedAt", TypeDate).OnRemove(Static(removedTime)),
		NewField("display", TypeString).Virtual(TransformFunc(func(_ any, fc FieldContext) (any, error) {
			return "@" + fmt.Sprint(fc.Entity["username"]), nil
		})),
	)
	require.NoError(t, err)
	return s
}

func storedAccount() Entity {
	return Entity{
		"id":        "gen-1",
		"email":     "a@x.io",
		"role":      "admin",
		"username":  "ann",
		"password":  "hash",
		"notes":     "vip",
		"salary":    int64(10),
		"createdAt": createdTime,
	}
}

func TestProcessFieldsCreate(t *testing.T) {
	in := Entity{"email": "A@X.io", "username": "ann", "createdAt": "2000-01-01", "bogus": 1}

	out, err := ProcessFields(context.Background(), in, accountSchema(t), ProcessContext{Stage: StageCreate})
	require.NoError(t, err)

	assert.Equal(t, Entity{
		"id":        "gen-1",
		"email":     "a@x.io",
		"role":      "user",
		"username":  "ann",
		"createdAt": createdTime,
	}, out)
}

func TestProcessFieldsCreateAggregatesErrors(t *testing.T) {
	in := Entity{"email": "nope", "role": "admin"}

	_, err := ProcessFields(context.Background(), in, accountSchema(t), ProcessContext{Stage: StageCreate})
	require.Error(t, err)

	errs := FieldErrors(err)
	require.Len(t, errs, 3, err.Error())

	var verr *ValidationError
	require.ErrorAs(t, errs[0], &verr)
	assert.Equal(t, "email", verr.Field)

	var perr *PermissionDeniedError
	require.ErrorAs(t, errs[1], &perr)
	assert.Equal(t, "role", perr.Field)
	assert.Equal(t, "admin", perr.Permission)

	require.ErrorAs(t, errs[2], &verr)
	assert.Equal(t, "username", verr.Field)

	// the aggregate still answers errors.As
	assert.True(t, errors.As(err, &perr))
	assert.Contains(t, err.Error(), "3 field errors")
}

func TestProcessFieldsCreatePermissions(t *testing.T) {
	schema := accountSchema(t)
	admin := auth.NewPermissions("admin")

	out, err := ProcessFields(context.Background(), Entity{"email": "a@x.io", "username": "a", "role": "admin"}, schema,
		ProcessContext{Stage: StageCreate, Permissions: admin})
	require.NoError(t, err)
	assert.Equal(t, "admin", out["role"])

	_, err = ProcessFields(context.Background(), Entity{"email": "a@x.io", "username": "a", "role": "root"}, schema,
		ProcessContext{Stage: StageCreate, Permissions: admin})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "role", verr.Field)
}

func TestProcessFieldsTypeMismatch(t *testing.T) {
	_, err := ProcessFields(context.Background(), Entity{"email": "a@x.io", "username": "a", "salary": "lots"},
		accountSchema(t), ProcessContext{Stage: StageCreate})
	var tm *TypeMismatchError
	require.ErrorAs(t, err, &tm)
	assert.Equal(t, "salary", tm.Field)
	assert.Equal(t, TypeNumber, tm.Expected)

	out, err := ProcessFields(context.Background(), Entity{"email": "a@x.io", "username": "a", "salary": "12.5"},
		accountSchema(t), ProcessContext{Stage: StageCreate})
	require.NoError(t, err)
	assert.Equal(t, 12.5, out["salary"])
}

func TestProcessFieldsUpdate(t *testing.T) {
	pc := ProcessContext{Stage: StageUpdate, Existing: storedAccount()}

	out, err := ProcessFields(context.Background(), Entity{"email": "B@x.io", "username": "ann", "id": "gen-1"}, accountSchema(t), pc)
	require.NoError(t, err)
	assert.Equal(t, Entity{"email": "b@x.io", "updatedAt": updatedTime}, out)
}

func TestProcessFieldsUpdateImmutable(t *testing.T) {
	pc := ProcessContext{Stage: StageUpdate, Existing: storedAccount()}
	tests := []struct {
		name    string
		changes Entity
		field   string
	}{
		{"immutable", Entity{"username": "bob"}, "username"},
		{"readonly", Entity{"createdAt": updatedTime}, "createdAt"},
		{"primary", Entity{"id": "other"}, "id"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ProcessFields(context.Background(), tt.changes, accountSchema(t), pc)
			var ierr *ImmutableFieldError
			require.ErrorAs(t, err, &ierr)
			assert.Equal(t, tt.field, ierr.Field)
		})
	}
}

func TestProcessFieldsUpdateRequiredNil(t *testing.T) {
	_, err := ProcessFields(context.Background(), Entity{"email": nil}, accountSchema(t),
		ProcessContext{Stage: StageUpdate, Existing: storedAccount()})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "email", verr.Field)
}

func TestProcessFieldsReplace(t *testing.T) {
	out, err := ProcessFields(context.Background(), Entity{"email": "c@x.io"}, accountSchema(t),
		ProcessContext{Stage: StageReplace, Existing: storedAccount()})
	require.NoError(t, err)

	assert.Equal(t, Entity{
		"id":        "gen-1",
		"email":     "c@x.io",
		"role":      "user",
		"username":  "ann",
		"createdAt": createdTime,
		"updatedAt": updatedTime,
	}, out)

	_, err = ProcessFields(context.Background(), Entity{"email": "c@x.io", "username": "bob"}, accountSchema(t),
		ProcessContext{Stage: StageReplace, Existing: storedAccount()})
	var ierr *ImmutableFieldError
	assert.ErrorAs(t, err, &ierr)
}

func TestProcessFieldsRemove(t *testing.T) {
	schema := accountSchema(t)
	assert.True(t, schema.SoftDelete())

	out, err := ProcessFields(context.Background(), storedAccount(), schema, ProcessContext{Stage: StageRemove})
	require.NoError(t, err)
	assert.Equal(t, Entity{"deletedAt": removedTime}, out)
}

func TestProcessFieldsReadVisibility(t *testing.T) {
	schema := accountSchema(t)
	tests := []struct {
		name   string
		pc     ProcessContext
		want   []string
		absent []string
	}{
		{
			name:   "anonymous default view",
			pc:     ProcessContext{Stage: StageRead},
			want:   []string{"id", "email", "role", "username", "createdAt", "display"},
			absent: []string{"password", "notes", "salary"},
		},
		{
			name:   "requested fields",
			pc:     ProcessContext{Stage: StageRead, Fields: []string{"notes", "salary", "password"}, Permissions: auth.NewPermissions("hr")},
			want:   []string{"id", "notes", "salary"},
			absent: []string{"email", "password", "display"},
		},
		{
			name:   "read permission missing",
			pc:     ProcessContext{Stage: StageRead, Fields: []string{"salary"}},
			want:   []string{"id"},
			absent: []string{"salary"},
		},
		{
			name:   "wildcard",
			pc:     ProcessContext{Stage: StageRead, Permissions: auth.NewPermissions(auth.Wildcard)},
			want:   []string{"salary"},
			absent: []string{"password", "notes"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := ProcessFields(context.Background(), storedAccount(), schema, tt.pc)
			require.NoError(t, err)
			for _, name := range tt.want {
				assert.Contains(t, out, name)
			}
			for _, name := range tt.absent {
				assert.NotContains(t, out, name)
			}
		})
	}
}

func TestProcessFieldsReadVirtual(t *testing.T) {
	out, err := ProcessFields(context.Background(), storedAccount(), accountSchema(t), ProcessContext{Stage: StageRead})
	require.NoError(t, err)
	assert.Equal(t, "@ann", out["display"])
}

func TestProcessFieldsSecureRoundTrip(t *testing.T) {
	enc := NewHexEncoder("k")
	schema, err := NewSchemaBuilder("Link").
		Encoder(enc).
		Fields(NewField("ref", TypeString).Secure()).
		Build()
	require.NoError(t, err)

	read, err := ProcessFields(context.Background(), Entity{"ref": "internal-42"}, schema, ProcessContext{Stage: StageRead})
	require.NoError(t, err)
	encoded := read["ref"].(string)
	assert.NotEqual(t, "internal-42", encoded)

	written, err := ProcessFields(context.Background(), Entity{"ref": encoded}, schema, ProcessContext{Stage: StageCreate})
	require.NoError(t, err)
	assert.Equal(t, "internal-42", written["ref"])

	_, err = ProcessFields(context.Background(), Entity{"ref": "zz"}, schema, ProcessContext{Stage: StageCreate})
	var ierr *InvalidIdentifierError
	assert.ErrorAs(t, err, &ierr)
}

func TestProcessFieldsUnknownStage(t *testing.T) {
	_, err := ProcessFields(context.Background(), Entity{}, accountSchema(t), ProcessContext{Stage: "archive"})
	assert.Error(t, err)
}
