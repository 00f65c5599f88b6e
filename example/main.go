package main

import (
	"fmt"

	"github.com/imsomedev/chainmap"
)

func main() {
	m := chainmap.New[string, int](0)
	defer m.Close()

	// Insert some data.
	words := []string{"alpha", "beta", "gamma", "delta", "epsilon"}
	for i, w := range words {
		m.Put(w, i)
	}
	fmt.Printf("inserted %d entries\n", m.Len())

	// Insert-or-get: At returns a pointer to the value slot and creates a
	// zero-valued entry for missing keys.
	counter := m.At("beta")
	*counter += 100
	if v, ok := m.Get("beta"); ok {
		fmt.Printf("beta => %d\n", v)
	}

	// Peek never mutates the map.
	if m.Peek("zeta") == nil {
		fmt.Println("zeta not present")
	}

	// Removal is safe while iterating: the just-yielded key may be deleted.
	it := m.Iter()
	for k, v, ok := it.Next(); ok; k, v, ok = it.Next() {
		if v%2 == 0 {
			removed, _ := m.Delete(k)
			fmt.Printf("removed %s => %d\n", k, removed)
		}
	}
	fmt.Printf("%d entries remain\n", m.Len())

	// A custom hash function (here xxhash, stable across processes) can be
	// supplied when the map is created.
	hm := chainmap.New[string, string](0, chainmap.WithHash[string, string](chainmap.StringHash))
	hm.Put("greeting", "hello")
	if v, ok := hm.Get("greeting"); ok {
		fmt.Printf("greeting => %s\n", v)
	}
}
