package config

import (
	"fmt"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// DeploymentSchema is the CUE schema that .cue configurations are unified
// with. The document root must satisfy #Deployment.
const DeploymentSchema = `
#Phase: "pre_install" | "helm_values" | "post_install"

#Duration: string & =~"^[0-9]+(\\.[0-9]+)?(ns|us|µs|ms|s|m|h)([0-9]+(\\.[0-9]+)?(ns|us|µs|ms|s|m|h))*$"

#Retry: {
	max_attempts?:  int & >=1
	backoff?:       "fixed" | "exponential"
	initial_delay?: #Duration
	max_delay?:     #Duration
	multiplier?:    number & >=1
	timeout?:       #Duration
}

#Remote: {
	host:                      string & !=""
	port?:                     int & >0 & <65536
	user:                      string & !=""
	password?:                 string
	private_key_path?:         string
	known_hosts_path?:         string
	insecure_ignore_host_key?: bool
}

#Helm: {
	binary?:     string
	timeout?:    #Duration
	kubeconfig?: string
	temp_dir?:   string
	remote?:     #Remote
	repositories?: [...{
		name: string & !=""
		url:  string & =~"^(https?|oci)://"
	}]
}

#Component: {
	id:          string & =~"^[a-z0-9][a-z0-9_-]*$"
	name?:       string
	kind:        string & !=""
	depends_on?: [...string]
	phases?:     [...#Phase]
	tags?:       [...string]
	timeout?:    #Duration
	chart?: {
		repo?:    string
		name?:    string
		version?: string
		path?:    string
	}
	release?:       string
	namespace?:     string
	wait?:          bool
	values?:        {...}
	values_script?: string
	pre_install?:   [...string]
	post_install?:  [...string]
}

#Deployment: {
	environment:   string & !=""
	context?:      string
	max_parallel?: int & >=0
	fail_fast?:    bool
	helm?:         #Helm
	retry?: {
		default?: #Retry
		phases?: [#Phase]: #Retry
	}
	components: [#Component, ...#Component]
	state?: {
		driver?:  "sqlite" | "postgres"
		dsn?:     string
		durable?: bool
	}
	observers?: {
		console?: bool
		log?:     bool
		jsonl?:   string
	}
	policies?: [...string]
	archive?: {
		endpoint:    string & !=""
		bucket:      string & !=""
		access_key?: string
		secret_key?: string
		use_ssl?:    bool
		region?:     string
		prefix?:     string
	}
	metrics?: {
		enabled?:        bool
		listen_address?: string
	}
	tracing?: {
		enabled?:  bool
		exporter?: "stdout" | "otlp" | "none"
		endpoint?: string
	}
}
`

// SchemaRegistry holds compiled CUE schemas.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.RWMutex
}

// NewSchemaRegistry creates a registry with the deployment schema registered
// as "deployment".
func NewSchemaRegistry() *SchemaRegistry {
	sr := &SchemaRegistry{
		ctx:     cuecontext.New(),
		schemas: make(map[string]cue.Value),
	}
	if err := sr.RegisterSchema("deployment", DeploymentSchema, "#Deployment"); err != nil {
		panic(err)
	}
	return sr
}

// Context returns the CUE context schemas are compiled in. Values unified
// with a schema must come from the same context.
func (sr *SchemaRegistry) Context() *cue.Context {
	return sr.ctx
}

// RegisterSchema compiles source and registers the definition at path under name.
func (sr *SchemaRegistry) RegisterSchema(name, source, path string) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	val := sr.ctx.CompileString(source, cue.Filename(name+".cue"))
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}
	def := val.LookupPath(cue.ParsePath(path))
	if !def.Exists() {
		return fmt.Errorf("schema %s has no definition %s", name, path)
	}

	sr.schemas[name] = def
	return nil
}

// GetSchema retrieves a schema by name.
func (sr *SchemaRegistry) GetSchema(name string) (cue.Value, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	val, ok := sr.schemas[name]
	return val, ok
}

// Unify unifies val with the named schema and checks the result is concrete.
func (sr *SchemaRegistry) Unify(name string, val cue.Value) (cue.Value, error) {
	schema, ok := sr.GetSchema(name)
	if !ok {
		return cue.Value{}, fmt.Errorf("schema %s not found", name)
	}

	unified := schema.Unify(val)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return cue.Value{}, err
	}
	return unified, nil
}

// ValidateAgainstSchema encodes data and validates it against the named schema.
func (sr *SchemaRegistry) ValidateAgainstSchema(name string, data interface{}) error {
	dataVal := sr.ctx.Encode(data)
	if err := dataVal.Err(); err != nil {
		return fmt.Errorf("failed to encode data: %w", err)
	}
	_, err := sr.Unify(name, dataVal)
	return err
}
