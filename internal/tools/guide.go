package tools

import "strings"

// topicRule maps a query keyword to a guide topic. Rules are ordered; the
// first keyword found in the query wins.
type topicRule struct {
	keyword string
	topic   string
}

// Keywords cover both French and English phrasings since callers mix the two.
var topicRules = []topicRule{
	{"arrêter", "stop_charging"},
	{"arreter", "stop_charging"},
	{"stop", "stop_charging"},
	{"démarrer", "start_charging"},
	{"demarrer", "start_charging"},
	{"commencer", "start_charging"},
	{"lancer", "start_charging"},
	{"start", "start_charging"},
	{"badge", "rfid_badge"},
	{"rfid", "rfid_badge"},
	{"carte", "rfid_badge"},
	{"compte", "account"},
	{"inscription", "account"},
	{"mot de passe", "account"},
	{"account", "account"},
	{"paiement", "payment"},
	{"facture", "payment"},
	{"portefeuille", "payment"},
	{"payment", "payment"},
	{"invoice", "payment"},
	{"installer", "app_install"},
	{"télécharger", "app_install"},
	{"telecharger", "app_install"},
	{"application", "app_install"},
	{"appli", "app_install"},
}

const defaultTopic = "general"

var topicInfo = map[string]string{
	"start_charging": "Pour démarrer une session: ouvrez l'application, sélectionnez la borne sur la carte ou scannez le QR code, choisissez le connecteur branché à votre véhicule, puis appuyez sur Démarrer. La session commence après l'autorisation du paiement.",
	"stop_charging":  "Pour arrêter une session en cours: ouvrez Transactions en cours dans le menu, sélectionnez votre session, puis appuyez sur le bouton rouge Stop et confirmez. Vous pouvez aussi arrêter depuis l'écran de la borne. Débranchez le câble une fois la session terminée.",
	"rfid_badge":     "Vos badges RFID se gèrent dans Mes Badges. Pour en ajouter un, appuyez sur Ajouter et saisissez le numéro imprimé sur le badge. Un badge doit être actif pour lancer une charge; s'il est inactif, vérifiez votre moyen de paiement.",
	"account":        "Pour créer un compte: appuyez sur S'inscrire, renseignez nom, e-mail et mot de passe, acceptez les conditions puis validez l'e-mail de confirmation. Mot de passe oublié: utilisez le lien Mot de passe oublié sur l'écran de connexion.",
	"payment":        "Vos factures sont disponibles dans le menu Factures et votre solde dans Portefeuille. Les montants des sessions sont débités sur le moyen de paiement enregistré. Pour mettre à jour votre carte bancaire, allez dans Réglages puis Moyens de paiement.",
	"app_install":    "L'application se télécharge sur le Google Play Store (Android) ou l'App Store (iOS). Après installation, créez un compte ou connectez-vous avec vos identifiants existants.",
	"general":        "L'application permet de trouver une borne sur la carte, démarrer et arrêter une session, gérer vos badges RFID, consulter votre historique et vos factures. Précisez votre question pour une aide détaillée.",
}

// ResolveTopic matches a free-form query against the keyword table.
func ResolveTopic(query string) (topic, info string) {
	q := strings.ToLower(query)
	for _, rule := range topicRules {
		if strings.Contains(q, rule.keyword) {
			return rule.topic, topicInfo[rule.topic]
		}
	}
	return defaultTopic, topicInfo[defaultTopic]
}
