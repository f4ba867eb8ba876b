package extraction

import (
	"log/slog"
	"strings"
)

// DefaultLanguage is used when detection is inconclusive
const DefaultLanguage = "fr"

// languages in tie-break order
var languages = []string{"fr", "de", "en"}

var languageKeywords = map[string][]string{
	"fr": {
		"facture", "tva", "montant", "total", "date", "numero",
		"fournisseur", "client", "paiement", "avoir", "remise",
		"prix", "quantite", "unite", "reference", "livraison",
		"commande", "conditions", "delai", "net", "brut", "ht", "ttc",
	},
	"de": {
		"rechnung", "mwst", "betrag", "summe", "datum", "nummer",
		"lieferant", "kunde", "zahlung", "gutschrift", "rabatt",
		"preis", "menge", "einheit", "referenz", "lieferung",
		"bestellung", "bedingungen", "frist", "netto", "brutto",
	},
	"en": {
		"invoice", "vat", "amount", "total", "date", "number",
		"supplier", "customer", "payment", "credit", "discount",
		"price", "quantity", "unit", "reference", "delivery",
		"order", "terms", "due", "net", "gross", "subtotal",
	},
}

var tesseractCodes = map[string]string{
	"fr": "fra",
	"de": "deu",
	"en": "eng",
}

// DetectLanguage returns fr, de or en by counting invoice keywords found in
// the text. Ties and texts without any keyword resolve to French.
func DetectLanguage(text string) string {
	lower := strings.ToLower(text)
	if strings.TrimSpace(lower) == "" {
		return DefaultLanguage
	}

	best, bestScore := DefaultLanguage, 0
	for _, lang := range languages {
		score := 0
		for _, kw := range languageKeywords[lang] {
			if strings.Contains(lower, kw) {
				score++
			}
		}
		if score > bestScore {
			best, bestScore = lang, score
		}
	}

	slog.Debug("Language detected", "language", best, "score", bestScore)
	return best
}

// TesseractLanguages orders the Tesseract language codes with the detected
// language first, e.g. "deu+fra+eng"
func TesseractLanguages(lang string) []string {
	primary, ok := tesseractCodes[lang]
	if !ok {
		primary = tesseractCodes[DefaultLanguage]
	}
	codes := []string{primary}
	for _, l := range languages {
		if code := tesseractCodes[l]; code != primary {
			codes = append(codes, code)
		}
	}
	return codes
}
