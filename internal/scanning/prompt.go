package scanning

import "fmt"

var languageContext = map[string]string{
	"fr": "francais (Suisse)",
	"de": "allemand (Suisse)",
	"en": "anglais",
}

// BuildPrompt returns the extraction prompt for an invoice text in the given language
func BuildPrompt(text string, language string) string {
	langContext, ok := languageContext[language]
	if !ok {
		langContext = languageContext["fr"]
	}

	return fmt.Sprintf(`Tu es un assistant specialise dans l'extraction de donnees de factures.
Analyse le texte de facture suivant et extrait les informations dans un format JSON strict.

CONTEXTE:
- Document en %s
- Contexte suisse: TVA possible a 8.1%%, 2.6%%, 3.8%% ou 0%% (anciens taux 7.7%%, 2.5%%)
- Les montants peuvent utiliser la virgule ou le point comme separateur decimal
- L'apostrophe peut etre utilisee comme separateur de milliers (ex: 1'250.00)

TEXTE DE LA FACTURE:
---
%s
---

INSTRUCTIONS:
1. Extrait UNIQUEMENT les informations presentes dans le document
2. Si une information n'est pas trouvee, utilise null
3. Pour les lignes de facture, extrait autant de lignes que possible
4. Les montants doivent etre des nombres (pas de texte)
5. La date doit etre au format YYYY-MM-DD

REPONDS UNIQUEMENT avec un objet JSON valide (sans texte avant ou apres):
{
    "supplier_name": "Nom du fournisseur ou null",
    "invoice_date": "YYYY-MM-DD ou null",
    "invoice_number": "Numero de facture ou null",
    "lines": [
        {
            "description": "Description du produit/service",
            "quantity": 1.0,
            "unit_price": 100.00,
            "amount": 100.00
        }
    ],
    "amount_untaxed": 100.00,
    "amount_tax": 8.10,
    "amount_total": 108.10,
    "currency": "CHF",
    "payment_reference": "Reference de paiement ou null"
}`, langContext, text)
}
