package hook

import "hooktiller/pkg/resolve"

// OriginalFunc is Original converted to a callable. bind turns the address
// into a function of the signature the caller expects; nothing checks that
// the signature matches the hooked function.
func OriginalFunc[F any](r *Registry, id string, bind func(resolve.Address) F) (F, bool) {
	addr, ok := r.Original(id)
	if !ok {
		var zero F
		return zero, false
	}
	return bind(addr), true
}
