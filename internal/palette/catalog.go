package palette

// CatalogVersion is bumped whenever a palette is appended to the standard
// catalog. It rides along in the handshake as paletteVersion.
const CatalogVersion = 3

// ClassicID is the id of the original 16-color palette, catalog ordinal 0
// since the first deployment. White is entry 0: the baseline for untouched
// pixels.
const ClassicID = "classic"

// ClassicExtID is the 24-color palette appended in catalog version 3.
// Appended after classic so previously issued ordinals stay valid.
const ClassicExtID = "classic-ext"

var classic = Palette{
	ID:      ClassicID,
	Name:    "Classic",
	Version: 1,
	Colors: []string{
		"FFFFFFFF", // white
		"E4E4E4FF",
		"888888FF",
		"222222FF", // near-black
		"FFA7D1FF",
		"E50000FF",
		"E59500FF",
		"A06A42FF",
		"E5D900FF",
		"94E044FF",
		"02BE01FF",
		"00D3DDFF",
		"0083C7FF",
		"0000EAFF",
		"CF6EE4FF",
		"820080FF",
	},
}

var classicExt = Palette{
	ID:      ClassicExtID,
	Name:    "Classic Extended",
	Version: 1,
	Colors: []string{
		"FFFFFFFF",
		"E4E4E4FF",
		"888888FF",
		"4D4D4DFF",
		"222222FF",
		"FFA7D1FF",
		"E50000FF",
		"9C0000FF",
		"E59500FF",
		"FFCC66FF",
		"A06A42FF",
		"6B4226FF",
		"E5D900FF",
		"94E044FF",
		"02BE01FF",
		"006613FF",
		"00D3DDFF",
		"008EA0FF",
		"0083C7FF",
		"0000EAFF",
		"001A75FF",
		"CF6EE4FF",
		"820080FF",
		"4A0047FF",
	},
}

var std = mustRegistry()

func mustRegistry() *Registry {
	r, err := NewRegistry(ClassicID, CatalogVersion, classic, classicExt)
	if err != nil {
		panic(err)
	}
	return r
}

// Std returns the process-wide standard catalog. Constructed once at module
// init and shared by reference; never mutated.
func Std() *Registry { return std }

// Classic returns the classic palette from the standard catalog.
func Classic() Palette { return std.Default() }
