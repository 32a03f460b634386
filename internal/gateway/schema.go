package gateway

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/haasonsaas/nexus-exec/internal/execerr"
)

type schemaRegistry struct {
	once    sync.Once
	initErr error
	request *jsonschema.Schema
	methods map[string]*jsonschema.Schema
}

var rpcSchemas schemaRegistry

func initSchemas() error {
	rpcSchemas.once.Do(func() {
		reqSchema, err := jsonschema.CompileString("rpc_request", requestSchema)
		if err != nil {
			rpcSchemas.initErr = err
			return
		}
		rpcSchemas.request = reqSchema

		rpcSchemas.methods = make(map[string]*jsonschema.Schema, len(methodSchemas))
		for name, schema := range methodSchemas {
			compiled, err := jsonschema.CompileString("rpc_method_"+name, schema)
			if err != nil {
				rpcSchemas.initErr = fmt.Errorf("%s: %w", name, err)
				return
			}
			rpcSchemas.methods[name] = compiled
		}
	})
	return rpcSchemas.initErr
}

// validateRequestFrame checks the frame envelope and, for known methods, the
// params.
func validateRequestFrame(raw []byte, frame *wsFrame) error {
	if err := initSchemas(); err != nil {
		return err
	}
	var payload any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return err
	}
	if err := rpcSchemas.request.Validate(payload); err != nil {
		return err
	}
	if frame == nil {
		return fmt.Errorf("missing frame")
	}
	return nil
}

// validateParams checks params against the method schema. Methods without a
// schema accept any object.
func validateParams(method string, params json.RawMessage) error {
	if err := initSchemas(); err != nil {
		return err
	}
	schema := rpcSchemas.methods[method]
	if schema == nil {
		return nil
	}
	var value any
	if len(params) == 0 || string(params) == "null" {
		value = map[string]any{}
	} else if err := json.Unmarshal(params, &value); err != nil {
		return execerr.Wrap(execerr.KindValidation, err, "invalid params")
	}
	if err := schema.Validate(value); err != nil {
		return execerr.Wrap(execerr.KindValidation, err, "invalid params for "+method)
	}
	return nil
}

const requestSchema = `{
  "type": "object",
  "required": ["type", "id", "method"],
  "properties": {
    "type": { "const": "req" },
    "id": { "type": "string", "minLength": 1 },
    "method": { "type": "string", "minLength": 1 },
    "params": {}
  },
  "additionalProperties": true
}`

const emptyParamsSchema = `{
  "type": "object",
  "additionalProperties": true
}`

const connectParamsSchema = `{
  "type": "object",
  "required": ["minProtocol", "maxProtocol", "client"],
  "properties": {
    "minProtocol": { "type": "integer", "minimum": 1 },
    "maxProtocol": { "type": "integer", "minimum": 1 },
    "role": { "enum": ["operator", "node"] },
    "client": {
      "type": "object",
      "required": ["id", "version", "platform"],
      "properties": {
        "id": { "type": "string", "minLength": 1 },
        "version": { "type": "string", "minLength": 1 },
        "platform": { "type": "string", "minLength": 1 },
        "mode": { "type": "string" },
        "displayName": { "type": "string" }
      },
      "additionalProperties": true
    },
    "auth": {
      "type": "object",
      "properties": {
        "token": { "type": "string" }
      },
      "additionalProperties": true
    },
    "caps": {
      "type": "array",
      "items": { "type": "string" }
    }
  },
  "additionalProperties": true
}`

const execRunParamsSchema = `{
  "type": "object",
  "required": ["command"],
  "properties": {
    "command": { "type": "string", "minLength": 1 },
    "host": { "enum": ["sandbox", "gateway", "node"] },
    "security": { "enum": ["deny", "allowlist", "full"] },
    "ask": { "enum": ["off", "on-miss", "always"] },
    "workdir": { "type": "string" },
    "env": {
      "type": "object",
      "additionalProperties": { "type": "string" }
    },
    "timeoutSec": { "type": "integer", "minimum": 1 },
    "background": { "type": "boolean" },
    "yieldMs": { "type": ["integer", "null"], "minimum": 0 },
    "elevated": { "type": "boolean" },
    "pty": { "type": "boolean" },
    "nodeId": { "type": "string" },
    "sessionKey": { "type": "string" },
    "agentId": { "type": "string" }
  },
  "additionalProperties": false
}`

const sessionIDParamsSchema = `{
  "type": "object",
  "required": ["sessionId"],
  "properties": {
    "sessionId": { "type": "string", "minLength": 1 },
    "reason": { "type": "string" }
  },
  "additionalProperties": false
}`

const abortParamsSchema = `{
  "type": "object",
  "required": ["sessionKey"],
  "properties": {
    "sessionKey": { "type": "string", "minLength": 1 },
    "reason": { "type": "string" }
  },
  "additionalProperties": false
}`

const panicParamsSchema = `{
  "type": "object",
  "properties": {
    "reason": { "type": "string" }
  },
  "additionalProperties": false
}`

const approvalRequestParamsSchema = `{
  "type": "object",
  "required": ["command"],
  "properties": {
    "command": { "type": "string", "minLength": 1 },
    "host": { "enum": ["sandbox", "gateway", "node"] },
    "cwd": { "type": "string" },
    "nodeId": { "type": "string" },
    "agentId": { "type": "string" },
    "sessionKey": { "type": "string" },
    "security": { "enum": ["deny", "allowlist", "full"] },
    "ask": { "enum": ["off", "on-miss", "always"] }
  },
  "additionalProperties": false
}`

const approvalResolveParamsSchema = `{
  "type": "object",
  "required": ["id", "decision"],
  "properties": {
    "id": { "type": "string", "minLength": 1 },
    "decision": {
      "enum": ["allow-once", "allow-always", "deny", "approve", "approved", "allow", "reject", "rejected"]
    }
  },
  "additionalProperties": false
}`

const approvalIDParamsSchema = `{
  "type": "object",
  "required": ["id"],
  "properties": {
    "id": { "type": "string", "minLength": 1 },
    "timeoutMs": { "type": "integer", "minimum": 0 }
  },
  "additionalProperties": false
}`

const approvalListParamsSchema = `{
  "type": "object",
  "properties": {
    "includeResolved": { "type": "boolean" }
  },
  "additionalProperties": false
}`

const approvalsSetParamsSchema = `{
  "type": "object",
  "required": ["file"],
  "properties": {
    "file": {
      "type": "object",
      "properties": {
        "version": { "type": "integer" },
        "defaults": { "type": "object" },
        "agents": { "type": "object" }
      },
      "additionalProperties": false
    }
  },
  "additionalProperties": false
}`

const nodeIDParamsSchema = `{
  "type": "object",
  "required": ["nodeId"],
  "properties": {
    "nodeId": { "type": "string", "minLength": 1 }
  },
  "additionalProperties": false
}`

const nodeInvokeParamsSchema = `{
  "type": "object",
  "required": ["nodeId", "command"],
  "properties": {
    "nodeId": { "type": "string", "minLength": 1 },
    "command": { "enum": ["system.which", "system.run.cancel"] },
    "params": {},
    "timeoutMs": { "type": "integer", "minimum": 1 }
  },
  "additionalProperties": false
}`

const nodeInvokeResultParamsSchema = `{
  "type": "object",
  "required": ["id", "ok"],
  "properties": {
    "id": { "type": "string", "minLength": 1 },
    "nodeId": { "type": "string" },
    "ok": { "type": "boolean" },
    "payload": {},
    "error": {
      "type": "object",
      "properties": {
        "code": { "type": "string" },
        "message": { "type": "string" }
      }
    }
  },
  "additionalProperties": false
}`

const nodeEventParamsSchema = `{
  "type": "object",
  "required": ["event"],
  "properties": {
    "nodeId": { "type": "string" },
    "event": { "type": "string", "minLength": 1 },
    "payload": {}
  },
  "additionalProperties": false
}`

var methodSchemas = map[string]string{
	"connect":                 connectParamsSchema,
	"health":                  emptyParamsSchema,
	"status":                  emptyParamsSchema,
	"exec.run":                execRunParamsSchema,
	"exec.process.list":       emptyParamsSchema,
	"exec.process.poll":       sessionIDParamsSchema,
	"exec.process.kill":       sessionIDParamsSchema,
	"exec.process.background": sessionIDParamsSchema,
	"exec.runs.list":          emptyParamsSchema,
	"exec.abort":              abortParamsSchema,
	"system.panic":            panicParamsSchema,
	"exec.approval.request":   approvalRequestParamsSchema,
	"exec.approval.resolve":   approvalResolveParamsSchema,
	"exec.approval.list":      approvalListParamsSchema,
	"exec.approval.get":       approvalIDParamsSchema,
	"exec.approval.wait":      approvalIDParamsSchema,
	"exec.approvals.get":      emptyParamsSchema,
	"exec.approvals.set":      approvalsSetParamsSchema,
	"node.list":               emptyParamsSchema,
	"node.invoke":             nodeInvokeParamsSchema,
	"node.invoke.result":      nodeInvokeResultParamsSchema,
	"node.event":              nodeEventParamsSchema,
	"node.pair.list":          emptyParamsSchema,
	"node.pair.approve":       nodeIDParamsSchema,
	"node.pair.reject":        nodeIDParamsSchema,
}
