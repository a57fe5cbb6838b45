package etl

// Code-system filter used by both the CSV and JSON transforms.
//
// MS-DRG and APR-DRG codes are accepted unconditionally. CPT and HCPCS codes
// are accepted only when they appear in the shoppable-services whitelist
// below. Every other code system is dropped.

// allowedTypesUnconditional accepts any code value.
var allowedTypesUnconditional = map[string]bool{
	"MS-DRG":  true,
	"APR-DRG": true,
}

// allowedTypesConditional requires the code value to be whitelisted.
var allowedTypesConditional = map[string]bool{
	"CPT":   true,
	"HCPCS": true,
}

// AllowedCPTHCPCSCodes is the fixed procedure-code whitelist for CPT/HCPCS.
var AllowedCPTHCPCSCodes = make(map[string]bool, len(allowedCodeList))

func init() {
	for _, c := range allowedCodeList {
		AllowedCPTHCPCSCodes[c] = true
	}
}

var allowedCodeList = []string{
	"19120", "29826", "29881", "33206", "33207", "33208", "33274", "36415", "42820",
	"43235", "43239", "45378", "45380", "45385", "45391", "47562", "49505", "55700",
	"55866", "59400", "59510", "59610", "62322", "64483", "66821", "66984", "70450",
	"70553", "72110", "72148", "72193", "73700", "73702", "73721", "74176", "74177",
	"74178", "76700", "76805", "76830", "77065", "77066", "77067", "80048", "80053",
	"80055", "80061", "80069", "80076", "81000", "81001", "81002", "81003", "84153",
	"84154", "84443", "85025", "85027", "85610", "85730", "90832", "90834", "90837",
	"90846", "90847", "90853", "92961", "93000", "93306", "93350", "93452", "93650",
	"93656", "95810", "97110", "97161", "97162", "97163", "99203", "99204", "99205",
	"99243", "99244", "99385", "99386", "99421", "99422", "99423", "00670", "01214",
	"01215", "01402", "01961", "01967", "12001", "17134", "20526", "20550", "20552",
	"20600", "20605", "20606", "20610", "20611", "20612", "20931", "22514", "22551",
	"22845", "23350", "24220", "25246", "27093", "27096", "27130", "27134", "27369",
	"27447", "27648", "29827", "32555", "38571", "46415", "47000", "49083", "50200",
	"51700", "51701", "51798", "52000", "58340", "62323", "63047", "63048", "63060",
	"64447", "66291", "70110", "70140", "70160", "70200", "70220", "70260", "70330",
	"70336", "70355", "70460", "70470", "70480", "70481", "70482", "70486", "70487",
	"70490", "70491", "70492", "70540", "70543", "70551", "71045", "71046", "71100",
	"71101", "71120", "71130", "71250", "71260", "71270", "71550", "71552", "72020",
	"72040", "72070", "72072", "72082", "72100", "72125", "72126", "72128", "72129",
	"72131", "72132", "72141", "72146", "72156", "72157", "72158", "72170", "72192",
	"72194", "72195", "72197", "72202", "72220", "73000", "73010", "73030", "73040",
	"73050", "73080", "73085", "73090", "73110", "73115", "73130", "73140", "73200",
	"73201", "73218", "73220", "73221", "73223", "73502", "73525", "73552", "73562",
	"73564", "73580", "73590", "73610", "73630", "73650", "73660", "73701", "73718",
	"73720", "73723", "73925", "73971", "74018", "74150", "74153", "74160", "74170",
	"74181", "74183", "74220", "74270", "74280", "74740", "75012", "75557", "75561",
	"75565", "76000", "76376", "76380", "76506", "76536", "76604", "76641", "76642",
	"76705", "76770", "76775", "76776", "76801", "76811", "76813", "76815", "76816",
	"76817", "76819", "76831", "76856", "76857", "76870", "76872", "76882", "76942",
	"76946", "77002", "77063", "77072", "77073", "77074", "77075", "77077", "78452",
	"78815", "78816", "82040", "82043", "82247", "82248", "82306", "82310", "82374",
	"82435", "82565", "82570", "82607", "82728", "82947", "83036", "83540", "83550",
	"83735", "83970", "84075", "84100", "84132", "84155", "84156", "84439", "84450",
	"84460", "85652", "86140", "87086", "88300", "88307", "88313", "88346", "93005",
	"93010", "93016", "93017", "93018", "93225", "93226", "93227", "93308", "93312",
	"93320", "93325", "93880", "93882", "93886", "93888", "93892", "93893", "93923",
	"93926", "93930", "93931", "93970", "93975", "93976", "93978", "93979", "94070",
	"94640", "94668", "94760", "94762", "95720", "96101", "99152", "99153", "99211",
	"C8928",
}
