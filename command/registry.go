package command

// Definition declares how a command type is validated: who may issue it,
// how conflicts resolve by default, and whether a signature is mandatory.
type Definition struct {
	CommandType      string
	RequiredRole     Role
	DefaultStrategy  ConflictStrategy
	RequireSignature bool
}

// Registry maps command types to their definitions. Populated during engine
// setup, read-only afterwards.
type Registry struct {
	definitions map[string]Definition
	order       []string
}

func NewRegistry() *Registry {
	return &Registry{
		definitions: map[string]Definition{},
		order:       []string{},
	}
}

// Register adds a definition. Re-registering a command type overwrites the
// previous definition without changing its position.
func (self *Registry) Register(definition Definition) {
	if _, ok := self.definitions[definition.CommandType]; !ok {
		self.order = append(self.order, definition.CommandType)
	}
	self.definitions[definition.CommandType] = definition
}

// Lookup finds the definition for a command type.
func (self *Registry) Lookup(commandType string) (Definition, bool) {
	definition, ok := self.definitions[commandType]
	return definition, ok
}

// CommandTypes returns the registered types in registration order.
func (self *Registry) CommandTypes() []string {
	types := make([]string, len(self.order))
	copy(types, self.order)
	return types
}
