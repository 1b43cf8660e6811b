package core

import (
	"encoding/json"
	"errors"
	"math"
	"testing"
)

func userSchema(t *testing.T) *Schema {
	t.Helper()
	ast := &CollectionAST{
		Kind:      "collection",
		Namespace: "ns",
		Name:      "User",
		Properties: []ASTProperty{
			{Name: "id", Type: ASTType{Kind: TypeString}, Required: true},
			{Name: "name", Type: ASTType{Kind: TypeString}, Required: true},
			{Name: "age", Type: ASTType{Kind: TypeNumber}},
			{Name: "active", Type: ASTType{Kind: TypeBoolean}},
			{Name: "avatar", Type: ASTType{Kind: TypeBytes}},
			{Name: "pk", Type: ASTType{Kind: TypePublicKey}},
			{Name: "tags", Type: ASTType{Kind: TypeArray, Items: &ASTType{Kind: TypeString}}},
			{Name: "info", Type: ASTType{Kind: TypeObject, Fields: []ASTProperty{
				{Name: "city", Type: ASTType{Kind: TypeString}, Required: true},
			}}},
			{Name: "boss", Type: ASTType{Kind: TypeRecord}},
			{Name: "team", Type: ASTType{Kind: TypeForeignRecord, Collection: "Team"}},
		},
	}
	schema, err := CompileSchema(ast)
	if err != nil {
		t.Fatalf("compile schema: %v", err)
	}
	return schema
}

//-------------------------------------------------------------
// JSON -> record
//-------------------------------------------------------------

func TestRecordFromJSONStrict(t *testing.T) {
	schema := userSchema(t)
	raw := []byte(`{
		"id": "1",
		"name": "John",
		"age": 30,
		"active": true,
		"tags": ["a", "b"],
		"info": {"city": "Lisbon"},
		"boss": {"id": "2"},
		"team": {"id": "7", "collectionId": "ns/Team"}
	}`)
	record, err := RecordFromJSON(schema, raw, false)
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	if record["name"] != StringValue("John") {
		t.Fatalf("name = %v", record["name"])
	}
	if record["age"] != NumberValue(30) {
		t.Fatalf("age = %v", record["age"])
	}
	if got := record["boss"]; got != (RecordReference{ID: "2"}) {
		t.Fatalf("boss = %v", got)
	}
	if got := record["team"]; got != (ForeignRecordReference{ID: "7", CollectionID: "ns/Team"}) {
		t.Fatalf("team = %v", got)
	}
	tags, ok := record["tags"].(ArrayValue)
	if !ok || len(tags) != 2 {
		t.Fatalf("tags = %v", record["tags"])
	}
	info, ok := record["info"].(MapValue)
	if !ok || info["city"] != StringValue("Lisbon") {
		t.Fatalf("info = %v", record["info"])
	}
}

func TestRecordFromJSONErrors(t *testing.T) {
	schema := userSchema(t)
	tests := []struct {
		name string
		raw  string
		want error
	}{
		{"RootNotObject", `[1]`, ErrRecordRootNotObject},
		{"MissingRequired", `{"id":"1"}`, ErrMissingField},
		{"WrongType", `{"id":"1","name":7}`, ErrInvalidFieldValueType},
		{"UnexpectedField", `{"id":"1","name":"a","extra":1}`, ErrUnexpectedFields},
		{"RecordRefExtraKeys", `{"id":"1","name":"a","boss":{"id":"2","x":1}}`, ErrUnexpectedFields},
		{"ForeignWrongCollection", `{"id":"1","name":"a","team":{"id":"7","collectionId":"ns/Org"}}`, ErrInvalidFieldValueType},
		{"NestedMissing", `{"id":"1","name":"a","info":{}}`, ErrMissingField},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := RecordFromJSON(schema, []byte(tc.raw), false)
			if err == nil {
				t.Fatal("expected error")
			}
			if !errors.Is(err, tc.want) {
				t.Fatalf("err = %v, want kind of %v", err, tc.want)
			}
		})
	}
}

func TestRecordFromJSONCast(t *testing.T) {
	schema := userSchema(t)
	raw := []byte(`{
		"id": "1",
		"name": 42,
		"age": "13",
		"active": 1,
		"extra": "dropped"
	}`)
	record, err := RecordFromJSON(schema, raw, true)
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	if record["name"] != StringValue("42") {
		t.Fatalf("name cast = %v", record["name"])
	}
	if record["age"] != NumberValue(13) {
		t.Fatalf("age cast = %v", record["age"])
	}
	if record["active"] != BooleanValue(true) {
		t.Fatalf("active cast = %v", record["active"])
	}
	if _, ok := record["extra"]; ok {
		t.Fatal("unknown fields must be dropped under cast")
	}
}

func TestRecordFromJSONCastPublicKeyHex(t *testing.T) {
	schema := userSchema(t)
	var pk PublicKey
	pk.X[0] = 1
	pk.Y[0] = 2
	raw, _ := json.Marshal(map[string]interface{}{
		"id":   "1",
		"name": "a",
		"pk":   pk.Hex(),
	})
	record, err := RecordFromJSON(schema, raw, true)
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	got, ok := record["pk"].(PublicKeyValue)
	if !ok || got.Key != pk {
		t.Fatalf("pk = %v", record["pk"])
	}
}

//-------------------------------------------------------------
// Record -> JSON
//-------------------------------------------------------------

func TestRecordToJSONCollapsesNaN(t *testing.T) {
	record := RecordRoot{
		"id":  StringValue("1"),
		"nan": NumberValue(math.NaN()),
		"inf": NumberValue(math.Inf(1)),
	}
	raw, err := RecordToJSON(record)
	if err != nil {
		t.Fatalf("to json: %v", err)
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		t.Fatalf("parse: %v", err)
	}
	if m["nan"] != float64(0) || m["inf"] != float64(0) {
		t.Fatalf("NaN/Inf must collapse to 0: %v", m)
	}
}

func TestRecordJSONRoundTrip(t *testing.T) {
	schema := userSchema(t)
	record := RecordRoot{
		"id":   StringValue("1"),
		"name": StringValue("John"),
		"age":  NumberValue(30),
		"team": ForeignRecordReference{ID: "7", CollectionID: "ns/Team"},
	}
	raw, err := RecordToJSON(record)
	if err != nil {
		t.Fatalf("to json: %v", err)
	}
	back, err := RecordFromJSON(schema, raw, false)
	if err != nil {
		t.Fatalf("from json: %v", err)
	}
	if !EqualValues(MapValue(record), MapValue(back)) {
		t.Fatalf("round trip mismatch: %v vs %v", record, back)
	}
}

func TestRecordToJSONCanonicalOrder(t *testing.T) {
	record := RecordRoot{"b": NumberValue(1), "a": NumberValue(2), "id": StringValue("1")}
	raw1, _ := RecordToJSON(record)
	raw2, _ := RecordToJSON(record.Clone())
	if string(raw1) != string(raw2) {
		t.Fatalf("canonical output must be byte stable: %s vs %s", raw1, raw2)
	}
}

//-------------------------------------------------------------
// Walkers and paths
//-------------------------------------------------------------

func TestWalkIndexValuesSkipsBytesAndRecordRefs(t *testing.T) {
	record := RecordRoot{
		"id":    StringValue("1"),
		"blob":  BytesValue([]byte{1, 2}),
		"boss":  RecordReference{ID: "2"},
		"team":  ForeignRecordReference{ID: "7", CollectionID: "ns/Team"},
		"tags":  ArrayValue{StringValue("a"), StringValue("b")},
		"inner": MapValue{"n": NumberValue(3)},
	}
	seen := map[string]bool{}
	err := WalkIndexValues(record, func(path []string, v IndexValue) error {
		seen[pathString(path)] = true
		return nil
	})
	if err != nil {
		t.Fatalf("walk: %v", err)
	}
	for _, want := range []string{"id", "team", "tags.0", "tags.1", "inner.n"} {
		if !seen[want] {
			t.Fatalf("missing path %q in %v", want, seen)
		}
	}
	for _, skip := range []string{"blob", "boss"} {
		if seen[skip] {
			t.Fatalf("path %q must be skipped", skip)
		}
	}
}

func TestWalkValuesVisitsContainers(t *testing.T) {
	record := RecordRoot{
		"inner": MapValue{"n": NumberValue(3)},
	}
	var paths []string
	_ = WalkValues(record, func(path []string, v RecordValue) error {
		paths = append(paths, pathString(path))
		return nil
	})
	found := map[string]bool{}
	for _, p := range paths {
		found[p] = true
	}
	if !found["inner"] || !found["inner.n"] {
		t.Fatalf("walkAll must visit containers and leaves: %v", paths)
	}
}

func TestFindPath(t *testing.T) {
	record := RecordRoot{
		"info": MapValue{"city": StringValue("Lisbon")},
		"tags": ArrayValue{StringValue("a"), StringValue("b")},
	}
	tests := []struct {
		name string
		path []string
		want RecordValue
		ok   bool
	}{
		{"Nested", []string{"info", "city"}, StringValue("Lisbon"), true},
		{"ArrayIndex", []string{"tags", "1"}, StringValue("b"), true},
		{"Missing", []string{"info", "zip"}, nil, false},
		{"BadIndex", []string{"tags", "9"}, nil, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := FindPath(record, tc.path)
			if ok != tc.ok {
				t.Fatalf("ok = %v, want %v", ok, tc.ok)
			}
			if ok && !EqualValues(got, tc.want) {
				t.Fatalf("got %v want %v", got, tc.want)
			}
		})
	}
}
