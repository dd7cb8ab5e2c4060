package crawler

// keywordProfile bundles the vocabulary the scorer and verifier use for one
// data type. URLs are matched case-insensitively; entries therefore stay
// lowercase and include the common ASCII transliterations of umlauts seen
// in German operator URLs.
type keywordProfile struct {
	// positive keywords add to the URL/link score and the content confidence.
	positive []string
	// headerKeywords are the phrases expected near headings in page content.
	headerKeywords []string
	// tableVocabulary marks a <table> as a data table when two or more
	// entries match its text.
	tableVocabulary []string
	// tableBonus is the confidence added once a data table is detected.
	tableBonus float64
}

var profiles = map[DataType]keywordProfile{
	DataTypeNetzentgelte: {
		positive: []string{
			"netzentgelt",
			"netzentgelte",
			"preisblatt",
			"preisblaetter",
			"preisblätter",
			"entgelte",
			"netznutzung",
			"netzzugang",
			"veroeffentlichungspflicht",
		},
		headerKeywords: []string{
			"netzentgelte",
			"entgelte für netznutzung",
			"entgelte fuer netznutzung",
			"preisblatt",
			"netznutzungsentgelte",
		},
		tableVocabulary: []string{
			"ct/kwh",
			"eur/kwh",
			"€/kwh",
			"eur/kw",
			"€/kw",
			"eur/kwa",
			"leistungspreis",
			"arbeitspreis",
			"grundpreis",
			"messpreis",
			"hochspannung",
			"mittelspannung",
			"niederspannung",
			"umspannung",
			"jahresleistungspreis",
		},
		// Netzentgelte are conventionally PDF price sheets; an HTML data
		// table is a weaker signal than for HLZF.
		tableBonus: 0.35,
	},
	DataTypeHLZF: {
		positive: []string{
			"hochlastzeitfenster",
			"hlzf",
			"hochlast",
			"atypische-netznutzung",
			"atypische netznutzung",
			"individuelle-netzentgelte",
			"individuelle netzentgelte",
			"19-stromnev",
			"stromnev",
		},
		headerKeywords: []string{
			"hochlastzeitfenster",
			"atypische netznutzung",
			"individuelle netzentgelte",
			"§ 19 stromnev",
			"19 abs. 2 stromnev",
		},
		tableVocabulary: []string{
			"hochlastzeitfenster",
			"winter",
			"sommer",
			"fruehjahr",
			"frühjahr",
			"herbst",
			"uhr",
			"montag",
			"werktage",
			"hochspannung",
			"mittelspannung",
			"niederspannung",
		},
		// HLZF windows are conventionally published inline as HTML tables.
		tableBonus: 0.45,
	},
}

// negativeKeyword carries a per-entry penalty applied whenever the token
// appears in a URL or link text, regardless of positive matches.
type negativeKeyword struct {
	token   string
	penalty float64
}

// negativeKeywords lists URL sections that never host current tariff
// documents. The list is shared by both data types.
var negativeKeywords = []negativeKeyword{
	{token: "archiv", penalty: -15},
	{token: "historie", penalty: -10},
	{token: "news", penalty: -10},
	{token: "presse", penalty: -10},
	{token: "aktuelles", penalty: -8},
	{token: "karriere", penalty: -20},
	{token: "jobs", penalty: -20},
	{token: "impressum", penalty: -20},
	{token: "datenschutz", penalty: -20},
	{token: "kontakt", penalty: -10},
	{token: "login", penalty: -15},
	{token: "agb", penalty: -10},
	{token: "sitemap.html", penalty: -5},
	{token: "/gas", penalty: -10},
	{token: "erdgas", penalty: -10},
	{token: "wasser", penalty: -10},
}

// profileFor returns the vocabulary for a data type, falling back to the
// Netzentgelte profile for unknown values so scoring stays total.
func profileFor(dataType DataType) keywordProfile {
	if p, ok := profiles[dataType]; ok {
		return p
	}
	return profiles[DataTypeNetzentgelte]
}

// TableVocabulary returns the table-content vocabulary for a data type.
// The extraction layer shares it so table detection stays consistent with
// verification.
func TableVocabulary(dataType DataType) []string {
	return append([]string(nil), profileFor(dataType).tableVocabulary...)
}
