package requestable

import "sync"

// itemInfo is one catalogue entry.
type itemInfo struct {
	tags      map[string]bool
	toolClass string
	toolLevel int
}

var (
	catalogMu sync.RWMutex
	catalog   = map[string]itemInfo{}
)

func init() {
	RegisterItem("oak_log", "log", "fuel")
	RegisterItem("spruce_log", "log", "fuel")
	RegisterItem("oak_planks", "planks", "fuel")
	RegisterItem("spruce_planks", "planks", "fuel")
	RegisterItem("stick", "fuel")
	RegisterItem("cobblestone", "stone")
	RegisterItem("stone_bricks", "stone")
	RegisterItem("sand")
	RegisterItem("glass")
	RegisterItem("iron_ingot", "ingot")
	RegisterItem("wheat", "crop")
	RegisterItem("bread", "food")
	RegisterItem("coal", "fuel")

	RegisterTool("wooden_axe", "axe", 0)
	RegisterTool("stone_axe", "axe", 1)
	RegisterTool("iron_axe", "axe", 2)
	RegisterTool("wooden_pickaxe", "pickaxe", 0)
	RegisterTool("stone_pickaxe", "pickaxe", 1)
	RegisterTool("iron_pickaxe", "pickaxe", 2)
	RegisterTool("wooden_hoe", "hoe", 0)
	RegisterTool("iron_hoe", "hoe", 2)
}

// RegisterItem adds (or extends) an item with the given tags.
func RegisterItem(id string, tags ...string) {
	catalogMu.Lock()
	defer catalogMu.Unlock()
	info := catalog[id]
	if info.tags == nil {
		info.tags = make(map[string]bool)
	}
	for _, t := range tags {
		info.tags[t] = true
	}
	catalog[id] = info
}

// RegisterTool adds a tool item of the given class and level.
func RegisterTool(id, class string, level int) {
	RegisterItem(id, "tool", class)
	catalogMu.Lock()
	defer catalogMu.Unlock()
	info := catalog[id]
	info.toolClass = class
	info.toolLevel = level
	catalog[id] = info
}

// HasTag reports whether item carries tag.
func HasTag(item, tag string) bool {
	catalogMu.RLock()
	defer catalogMu.RUnlock()
	return catalog[item].tags[tag]
}

// ToolInfo returns the tool class and level of item.
func ToolInfo(item string) (class string, level int, ok bool) {
	catalogMu.RLock()
	defer catalogMu.RUnlock()
	info, found := catalog[item]
	if !found || info.toolClass == "" {
		return "", 0, false
	}
	return info.toolClass, info.toolLevel, true
}

// KnownItem reports whether item is in the catalogue.
func KnownItem(item string) bool {
	catalogMu.RLock()
	defer catalogMu.RUnlock()
	_, ok := catalog[item]
	return ok
}
