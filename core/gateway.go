package core

// Function gateway. A call names (collection, method, record, args); the
// gateway loads the target, checks call permission, type-checks and
// dereferences the arguments, runs the method inside a fresh sandboxed
// interpreter and extracts the resulting change set. The sandbox is created
// per call and released before the call returns.

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/dop251/goja"
	"github.com/sirupsen/logrus"
)

// ConstructorMethod is the reserved method name that creates records.
const ConstructorMethod = "constructor"

// scriptCallLimit is the shared sandbox call cap installed by the wrapper.
const scriptCallLimit = 100

// Parser is the optional external language parser, made available to the
// Collection collection's own methods as the `parse` global.
type Parser func(code, namespace string) (astJSON string, err error)

// Gateway dispatches typed method calls into the sandbox.
type Gateway struct {
	store   *Store
	log     *logrus.Logger
	codegen CodeGenerator
	parser  Parser
}

// NewGateway wires a gateway over the storage engine.
func NewGateway(store *Store, lg *logrus.Logger) *Gateway {
	if lg == nil {
		lg = logrus.StandardLogger()
	}
	return &Gateway{store: store, log: lg, codegen: NewCodeGenerator()}
}

// SetParser installs the external language parser.
func (g *Gateway) SetParser(p Parser) { g.parser = p }

// functionOutput is the JSON the wrapper script hands back.
type functionOutput struct {
	Args         []interface{}          `json:"args"`
	Instance     map[string]interface{} `json:"instance"`
	Selfdestruct bool                   `json:"selfdestruct"`
}

// referencedArg tracks a dereferenced Record/ForeignRecord argument so output
// mutations can be folded back into updates.
type referencedArg struct {
	position     int
	collectionID string
	recordID     string
	schema       *Schema
	input        RecordRoot
}

// Call executes collection.method(record, args...) and returns the ordered
// change set. No storage mutation happens here; the changes become a
// consensus proposal payload.
func (g *Gateway) Call(ctx context.Context, collectionID, methodName, recordID string, args []interface{}, auth *AuthContext) ([]Change, error) {
	schema, err := g.store.CollectionSchema(ctx, collectionID)
	if err != nil {
		return nil, err
	}
	method, ok := schema.Methods[methodName]
	if !ok {
		return nil, userErrf(KindMethodNotFound, "method %q not found on collection %q", methodName, collectionID)
	}

	isConstructor := methodName == ConstructorMethod
	var instance RecordRoot
	if isConstructor {
		instance = RecordRoot{}
	} else {
		instance, err = g.store.getRecord(ctx, collectionID, recordID)
		if err != nil {
			return nil, err
		}
		if instance == nil {
			return nil, userErrf(KindRecordNotFound, "record %s/%s not found", collectionID, recordID)
		}
	}

	if err := g.checkCallPermission(ctx, schema, method, instance, isConstructor, auth); err != nil {
		return nil, err
	}

	if len(args) != len(method.Params) {
		return nil, userErrf(KindInvalidFieldValueType, "method %q expects %d arguments, got %d",
			methodName, len(method.Params), len(args))
	}
	for i, p := range method.Params {
		if _, err := valueFromJSON(p.Type, args[i], false, p.Name); err != nil {
			if args[i] == nil && !p.Required {
				continue
			}
			return nil, err
		}
	}

	sandboxArgs, refs, err := g.materializeArgs(ctx, schema, method, args, auth)
	if err != nil {
		return nil, err
	}
	sandboxInstance, err := g.dereferenceInstanceFields(ctx, schema, instance)
	if err != nil {
		return nil, err
	}

	out, err := g.execute(collectionID, schema, methodName, sandboxInstance, sandboxArgs, auth)
	if err != nil {
		return nil, err
	}
	callsExecuted.Inc()

	return g.extractChanges(schema, method, isConstructor, instance, recordID, out, refs)
}

//---------------------------------------------------------------------
// Permission
//---------------------------------------------------------------------

func (g *Gateway) checkCallPermission(ctx context.Context, schema *Schema, method *Method, instance RecordRoot, isConstructor bool, auth *AuthContext) error {
	if schema.CallAll || isConstructor {
		return nil
	}
	if len(method.CallFields) > 0 {
		pk := auth.key()
		if pk != nil {
			seen := make(map[string]bool)
			for _, path := range method.CallFields {
				v, ok := FindPath(instance, path)
				if !ok {
					continue
				}
				granted, err := g.store.valueGrants(ctx, schema.ID, v, *pk, seen)
				if err != nil {
					return err
				}
				if granted {
					return nil
				}
			}
		}
	}
	return userErrf(KindUnauthorizedCall, "not authorized to call %s.%s", schema.ID, method.Name)
}

//---------------------------------------------------------------------
// Argument materialization
//---------------------------------------------------------------------

// resolveForeignCollection qualifies a declared foreign collection name with
// the calling collection's namespace when unqualified.
func resolveForeignCollection(schema *Schema, declared string) string {
	if strings.Contains(declared, "/") || schema.Namespace == "" {
		return declared
	}
	return schema.Namespace + "/" + declared
}

func (g *Gateway) materializeArgs(ctx context.Context, schema *Schema, method *Method, args []interface{}, auth *AuthContext) ([]interface{}, []referencedArg, error) {
	sandboxArgs := make([]interface{}, len(args))
	var refs []referencedArg

	for i, p := range method.Params {
		switch p.Type.Kind {
		case TypeRecord, TypeForeignRecord:
			m, ok := args[i].(map[string]interface{})
			if !ok {
				if args[i] == nil && !p.Required {
					sandboxArgs[i] = nil
					continue
				}
				return nil, nil, userErrf(KindInvalidFieldValueType, "argument %q must be a record reference", p.Name)
			}
			refID, _ := m["id"].(string)

			targetCollection := schema.ID
			if p.Type.Kind == TypeForeignRecord {
				declared := resolveForeignCollection(schema, p.Type.Collection)
				embedded, _ := m["collectionId"].(string)
				if collectionShortName(embedded) != collectionShortName(declared) {
					return nil, nil, userErrf(KindInvalidFieldValueType,
						"argument %q references collection %q, expected %q", p.Name, embedded, declared)
				}
				targetCollection = declared
			}

			refSchema, err := g.store.CollectionSchema(ctx, targetCollection)
			if err != nil {
				return nil, nil, err
			}
			record, err := g.store.Get(ctx, targetCollection, refID, auth)
			if err != nil {
				return nil, nil, err
			}
			if record == nil {
				return nil, nil, userErrf(KindRecordNotFound, "record %s/%s not found", targetCollection, refID)
			}

			fn, err := g.codegen.ReferenceFn(refSchema.AST)
			if err != nil {
				return nil, nil, engineErr(KindSandboxFailure, err)
			}
			sandboxArgs[i] = map[string]interface{}{
				"$$__type": "record",
				"$$__fn":   fn,
				"$$__data": ValueToJSON(MapValue(record)),
			}
			refs = append(refs, referencedArg{
				position:     i,
				collectionID: targetCollection,
				recordID:     refID,
				schema:       refSchema,
				input:        record,
			})
		default:
			sandboxArgs[i] = args[i]
		}
	}
	return sandboxArgs, refs, nil
}

// dereferenceInstanceFields swaps record-typed fields of the instance for the
// referenced records before the sandbox sees it.
func (g *Gateway) dereferenceInstanceFields(ctx context.Context, schema *Schema, instance RecordRoot) (map[string]interface{}, error) {
	out, _ := ValueToJSON(MapValue(instance)).(map[string]interface{})
	for _, prop := range schema.Properties {
		switch prop.Type.Kind {
		case TypeRecord, TypeForeignRecord:
		default:
			continue
		}
		v, ok := instance[prop.Name]
		if !ok {
			continue
		}
		var collectionID, refID string
		switch ref := v.(type) {
		case RecordReference:
			collectionID, refID = schema.ID, ref.ID
		case ForeignRecordReference:
			collectionID, refID = ref.CollectionID, ref.ID
		default:
			continue
		}
		record, err := g.store.getRecord(ctx, collectionID, refID)
		if err != nil {
			return nil, err
		}
		if record == nil {
			continue
		}
		out[prop.Name] = ValueToJSON(MapValue(record))
	}
	return out, nil
}

//---------------------------------------------------------------------
// Sandbox execution
//---------------------------------------------------------------------

// wrapperScript is the fixed harness run around the collection code. It
// installs the shared call counter, interns public keys so script-level `==`
// works, marks dereferenced records for the fold-back pass and wires
// selfdestruct.
const wrapperScript = `
// To prevent recursion, we limit (shared counter) the number of calls to each function
let calls = 0;
function limitMethods(obj) {
    for (const key in obj) {
        if (typeof obj[key] === "function") {
            const originalFn = obj[key];
            obj[key] = function replaced(...args) {
                if (calls >= $CALL_LIMIT) {
                    throw new Error("call limit exceeded");
                }

                calls++;
                return originalFn.bind(this)(...args);
            };
        }
    }
}

// To allow comparison using "==", we intern all public keys.
// We also freeze them to prevent modification.
const uniquePublicKeys = {};
function internPublicKeys(obj) {
    if (!obj || typeof obj !== "object") return obj;

    if (obj["kty"] === "EC" && obj["crv"] === "secp256k1") {
        const json = JSON.stringify(Object.entries(obj).sort((a, b) => a[0] > b[0] ? -1 : 1));
        if (uniquePublicKeys[json]) {
            return uniquePublicKeys[json];
        }

        obj["toHex"] = function () {
            return $$__publicKeyToHex(JSON.stringify(this));
        };
        Object.freeze(obj);
        uniquePublicKeys[json] = obj;
    } else {
        for (const key in obj) {
            obj[key] = internPublicKeys(obj[key]);
        }
    }

    return obj;
}

// Turns previously dereferenced records into references.
// A record reference is { id: "record-id" }.
const dereferencedRecordSymbol = Symbol("dereferenced-record");
function turnRecordsToReferences(obj) {
    if (!obj || typeof obj !== "object") return obj;

    if (obj[dereferencedRecordSymbol]) {
        return { id: obj.id };
    }

    for (const key in obj) {
        obj[key] = turnRecordsToReferences(obj[key]);
    }

    return obj;
}

const $$__instance = JSON.parse(instanceJSON);
$FUNCTION_CODE
limitMethods($$__instance);
internPublicKeys($$__instance);
function error(str) {
    throw new Error(str);
}
ctx = JSON.parse(authJSON);
internPublicKeys(ctx);
$auth = ctx;
args = JSON.parse(argsJSON);
for (const i in args) {
    if (typeof args[i] === "object" && args[i] !== null && args[i].$$__type === "record") {
        args[i] = eval(args[i].$$__fn)(args[i].$$__data);
        limitMethods(args[i]);
        args[i][dereferencedRecordSymbol] = true;
    }

    args[i] = internPublicKeys(args[i]);
}
$$__selfdestruct = false;
const selfdestruct = () => { $$__selfdestruct = true };
instance.$FUNCTION_NAME($FUNCTION_ARGS);
turnRecordsToReferences(instance);

JSON.stringify({
    args,
    instance,
    selfdestruct: $$__selfdestruct,
});
`

func (g *Gateway) execute(collectionID string, schema *Schema, methodName string, instance map[string]interface{}, args []interface{}, auth *AuthContext) (*functionOutput, error) {
	instanceJSON, err := json.Marshal(instance)
	if err != nil {
		return nil, engineErr(KindSerializationFailure, err)
	}
	authObj := map[string]interface{}{}
	if pk := auth.key(); pk != nil {
		authObj["publicKey"] = ValueToJSON(PublicKeyValue{Key: *pk})
	}
	authJSON, err := json.Marshal(authObj)
	if err != nil {
		return nil, engineErr(KindSerializationFailure, err)
	}
	argsJSON, err := json.Marshal(args)
	if err != nil {
		return nil, engineErr(KindSerializationFailure, err)
	}

	code, err := g.codegen.CollectionCode(schema.AST)
	if err != nil {
		return nil, engineErr(KindSandboxFailure, err)
	}

	argList := make([]string, len(args))
	for i := range args {
		argList[i] = fmt.Sprintf("args[%d]", i)
	}
	script := strings.NewReplacer(
		"$CALL_LIMIT", fmt.Sprintf("%d", scriptCallLimit),
		"$FUNCTION_CODE", code,
		"$FUNCTION_NAME", methodName,
		"$FUNCTION_ARGS", strings.Join(argList, ", "),
	).Replace(wrapperScript)

	// One isolate per call; released when this function returns.
	vm := goja.New()
	if err := vm.Set("instanceJSON", string(instanceJSON)); err != nil {
		return nil, engineErr(KindSandboxFailure, err)
	}
	if err := vm.Set("authJSON", string(authJSON)); err != nil {
		return nil, engineErr(KindSandboxFailure, err)
	}
	if err := vm.Set("argsJSON", string(argsJSON)); err != nil {
		return nil, engineErr(KindSandboxFailure, err)
	}
	err = vm.Set("$$__publicKeyToHex", func(call goja.FunctionCall) goja.Value {
		hexForm, err := publicKeyToHex(call.Argument(0).String())
		if err != nil {
			panic(vm.ToValue(err.Error()))
		}
		return vm.ToValue(hexForm)
	})
	if err != nil {
		return nil, engineErr(KindSandboxFailure, err)
	}
	if collectionID == CollectionCollection && g.parser != nil {
		parser := g.parser
		err := vm.Set("parse", func(call goja.FunctionCall) goja.Value {
			code := call.Argument(0).String()
			target := call.Argument(1).String()
			astJSON, err := parser(code, collectionNamespace(target))
			if err != nil {
				panic(vm.ToValue(err.Error()))
			}
			return vm.ToValue(astJSON)
		})
		if err != nil {
			return nil, engineErr(KindSandboxFailure, err)
		}
	}

	result, err := vm.RunString(script)
	if err != nil {
		msg := err.Error()
		var ex *goja.Exception
		if errors.As(err, &ex) {
			msg = ex.Value().String()
		}
		if strings.Contains(msg, "call limit exceeded") {
			return nil, userErrf(KindCallLimitExceeded, "method call limit of %d exceeded", scriptCallLimit)
		}
		return nil, userErrf(KindScriptError, "%s", msg)
	}

	var out functionOutput
	if err := json.Unmarshal([]byte(result.String()), &out); err != nil {
		return nil, engineErr(KindSandboxFailure, fmt.Errorf("decode sandbox output: %w", err))
	}
	return &out, nil
}

// publicKeyToHex backs the toHex helper installed on interned public keys.
func publicKeyToHex(jwkJSON string) (string, error) {
	var m map[string]interface{}
	if err := json.Unmarshal([]byte(jwkJSON), &m); err != nil {
		return "", err
	}
	pk, err := publicKeyFromJWKMap(m)
	if err != nil {
		return "", err
	}
	return pk.Hex(), nil
}

//---------------------------------------------------------------------
// Change extraction
//---------------------------------------------------------------------

// foldInstanceReferences rewrites record-typed fields of the raw output back
// into references. Foreign collection ids are recovered from the schema,
// never from the returned object.
func foldInstanceReferences(schema *Schema, raw map[string]interface{}) {
	for _, prop := range schema.Properties {
		v, ok := raw[prop.Name].(map[string]interface{})
		if !ok {
			continue
		}
		switch prop.Type.Kind {
		case TypeRecord:
			if id, ok := v["id"].(string); ok {
				raw[prop.Name] = map[string]interface{}{"id": id}
			}
		case TypeForeignRecord:
			if id, ok := v["id"].(string); ok {
				raw[prop.Name] = map[string]interface{}{
					"id":           id,
					"collectionId": resolveForeignCollection(schema, prop.Type.Collection),
				}
			}
		}
	}
}

func (g *Gateway) extractChanges(schema *Schema, method *Method, isConstructor bool, input RecordRoot, recordID string, out *functionOutput, refs []referencedArg) ([]Change, error) {
	foldInstanceReferences(schema, out.Instance)
	instance, err := RecordFromValue(schema, out.Instance, true)
	if err != nil {
		return nil, err
	}
	outID, err := instance.ID()
	if err != nil {
		return nil, err
	}
	if !isConstructor && outID != recordID {
		return nil, userErrf(KindRecordIDChanged, "record id changed from %q to %q", recordID, outID)
	}

	var changes []Change
	if !out.Selfdestruct {
		kind := ChangeUpdate
		if isConstructor {
			kind = ChangeCreate
		}
		changes = append(changes, Change{
			Kind:         kind,
			CollectionID: schema.ID,
			RecordID:     outID,
			Record:       instance,
		})
	}

	// Mutated reference arguments become additional updates, in parameter
	// order. The collection id comes from the parameter schema.
	for _, ref := range refs {
		if ref.position >= len(out.Args) {
			continue
		}
		rawArg, ok := out.Args[ref.position].(map[string]interface{})
		if !ok {
			continue
		}
		outRef, err := RecordFromValue(ref.schema, rawArg, true)
		if err != nil {
			return nil, err
		}
		if EqualValues(MapValue(outRef), MapValue(ref.input)) {
			continue
		}
		refID, err := outRef.ID()
		if err != nil {
			return nil, err
		}
		if refID != ref.recordID {
			return nil, userErrf(KindRecordIDChanged, "referenced record id changed from %q to %q", ref.recordID, refID)
		}
		changes = append(changes, Change{
			Kind:         ChangeUpdate,
			CollectionID: ref.collectionID,
			RecordID:     refID,
			Record:       outRef,
		})
	}

	// A selfdestructing method may still mutate referenced records; the
	// delete is emitted last so applying in order cannot resurrect state.
	if out.Selfdestruct {
		changes = append(changes, Change{
			Kind:         ChangeDelete,
			CollectionID: schema.ID,
			RecordID:     recordID,
		})
	}

	g.log.WithFields(logrus.Fields{
		"collection": schema.ID,
		"method":     method.Name,
		"changes":    len(changes),
	}).Debug("call executed")
	return changes, nil
}
